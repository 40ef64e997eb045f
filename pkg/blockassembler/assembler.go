// Package blockassembler implements C12 BlockAssembler: the glue between
// C9-C11 that turns one mempool snapshot into a proposed block, and the
// symmetric path that replays and checks a received block (spec §4.12).
package blockassembler

import (
	"context"
	"fmt"
	"sort"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/batchdriver"
	"github.com/speedex-labs/batchengine/pkg/clock"
	"github.com/speedex-labs/batchengine/pkg/headerchain"
	"github.com/speedex-labs/batchengine/pkg/mempool"
	"github.com/speedex-labs/batchengine/pkg/modlog"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/tatonnement"
	"github.com/speedex-labs/batchengine/pkg/txproc"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// Params bundles every genesis-fixed parameter the assembler needs.
type Params struct {
	NumAssets   int
	FeeRate     uint64
	BlockSize   uint32
	TxParams    txproc.Params
	Tatonnement tatonnement.Params
}

// Assembler is C12: it owns no state of its own beyond its collaborators
// and can run propose/validate repeatedly as rounds advance.
type Assembler struct {
	db      *account.Database
	offers  *orderbook.Manager
	pool    *mempool.Mempool
	chain   *headerchain.Chain
	clock   clock.Clock
	params  Params
}

// New constructs an Assembler wired to the engine's live stores.
func New(db *account.Database, offers *orderbook.Manager, pool *mempool.Mempool, chain *headerchain.Chain, clk clock.Clock, params Params) *Assembler {
	return &Assembler{db: db, offers: offers, pool: pool, chain: chain, clock: clk, params: params}
}

func initialPrices(numAssets int) []types.Price {
	p := make([]types.Price, numAssets)
	for i := range p {
		p[i] = types.PriceOne
	}
	return p
}

// applyFills credits every fill's buy-side proceeds to its owner's account
// and records the account as dirty, since offer clearing happens after the
// parallel batch pass and outside any worker's thread-local modlog
// (spec §4.7 step 4, §4.12 propose() step 3).
func applyFills(db *account.Database, log *modlog.Log, results []orderbook.ClearResult) error {
	for _, r := range results {
		for _, f := range r.Fills {
			owner, ok := db.Lookup(f.Owner)
			if !ok {
				return fmt.Errorf("blockassembler: fill owner %d missing from account database", f.Owner)
			}
			if !owner.TryTransfer(f.BuyAsset, f.BuyCredit) {
				return fmt.Errorf("blockassembler: buy-asset credit overflow for owner %d", f.Owner)
			}
			log.Record(f.Owner, modlog.TxRef{Source: f.Owner, Seq: 0})
		}
	}
	return nil
}

func mergeDirty(a, b []types.AccountID) []types.AccountID {
	seen := make(map[types.AccountID]bool, len(a)+len(b))
	out := make([]types.AccountID, 0, len(a)+len(b))
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// buildClearingDetails lays out the full numAssets*(numAssets-1)-entry
// array spec §6 requires, filling in empty-book defaults for any pair
// clearing didn't touch this round.
func buildClearingDetails(offers *orderbook.Manager, numAssets int, results []orderbook.ClearResult) []xdr.BookClearing {
	byPair := make(map[orderbook.PairKey]orderbook.ClearResult, len(results))
	for _, r := range results {
		byPair[r.Pair] = r
	}
	pairs := orderbook.AllPairs(numAssets)
	out := make([]xdr.BookClearing, len(pairs))
	for i, pk := range pairs {
		if r, ok := byPair[pk]; ok {
			out[i] = xdr.BookClearing{SoldAmount: r.SoldTotal, RootHash: r.RootHash}
		} else {
			out[i] = xdr.BookClearing{SoldAmount: 0, RootHash: offers.BookRootOrEmpty(pk.Sell, pk.Buy)}
		}
	}
	return out
}

// Propose runs one full production round against prev and returns the
// resulting block (spec §4.12 propose()). An empty mempool still yields a
// well-formed block with zero transactions.
func (a *Assembler) Propose(ctx context.Context, prev *xdr.Header) (*xdr.Block, error) {
	round := prev.Round + 1
	prevHash := xcrypto.CommitmentHash(prev.CanonicalBytes())

	driverResult, err := batchdriver.Run(ctx, a.pool, a.db, a.offers, a.params.TxParams, a.params.BlockSize)
	if err != nil {
		return nil, fmt.Errorf("blockassembler: batch driver: %w", err)
	}

	oracle := tatonnement.New(a.offers, a.clock, a.params.Tatonnement)
	search, err := oracle.Search(ctx, initialPrices(a.params.NumAssets), nil)
	if err != nil {
		return nil, fmt.Errorf("blockassembler: tatonnement search: %w", err)
	}

	clearResults, err := a.offers.ClearForProduction(ctx, search.Prices, search.TargetSell)
	if err != nil {
		return nil, fmt.Errorf("blockassembler: clear offers: %w", err)
	}

	fillLog := modlog.New()
	if err := applyFills(a.db, fillLog, clearResults); err != nil {
		return nil, err
	}

	dirty := mergeDirty(driverResult.DirtyAccounts, fillLog.DirtyAccounts())

	a.db.CommitNewAccounts(round)
	if err := a.db.CommitValues(ctx, dirty); err != nil {
		return nil, fmt.Errorf("blockassembler: commit values: %w", err)
	}
	if !a.db.CheckValidState(dirty) {
		return nil, fmt.Errorf("blockassembler: invariant breach: negative committed balance after round %d", round)
	}

	accountsRoot, err := a.db.ProduceCommitment(ctx, dirty)
	if err != nil {
		return nil, fmt.Errorf("blockassembler: produce commitment: %w", err)
	}

	clearingDetails := buildClearingDetails(a.offers, a.params.NumAssets, clearResults)

	header := xdr.Header{
		Round:           round,
		PrevHash:        prevHash,
		FeeRate:         a.params.FeeRate,
		Prices:          search.Prices,
		ClearingDetails: clearingDetails,
		StateRoots: xdr.StateRootHashes{
			Accounts:   accountsRoot,
			Orderbooks: orderbookRoot(clearingDetails),
			HeaderMap:  a.chain.Hash(),
		},
	}
	headerHash := xcrypto.CommitmentHash(header.CanonicalBytes())
	a.chain.InsertForProduction(round, headerHash)

	body := make([]xdr.SignedTransaction, len(driverResult.Txs))
	for i, tx := range driverResult.Txs {
		body[i] = *tx
	}

	return &xdr.Block{Header: header, HeaderHash: headerHash, Txs: body}, nil
}

// orderbookRoot combines every book's root hash into a single commitment
// (spec §3: "orderbook roots and their price/clearing details hash into
// the block header").
func orderbookRoot(details []xdr.BookClearing) [32]byte {
	parts := make([][]byte, 0, len(details))
	for _, d := range details {
		h := d.RootHash
		parts = append(parts, h[:])
	}
	return xcrypto.CommitmentHash(parts...)
}

// Validate replays blk against prev and checks that every header field the
// producer claimed is actually consistent with the replayed state
// (spec §4.12 validate()). On success, every tentative side effect this
// call made is already durably committed; on failure, callers must call
// RollbackRound before reusing the stores for another attempt (spec §5's
// "autorollback structures... undone when the validation scope exits
// without finalize_commit").
func (a *Assembler) Validate(ctx context.Context, prev *xdr.Header, blk *xdr.Block) (bool, error) {
	if blk.Header.Round != prev.Round+1 {
		return false, nil
	}
	wantPrevHash := xcrypto.CommitmentHash(prev.CanonicalBytes())
	if blk.Header.PrevHash != wantPrevHash {
		return false, nil
	}

	mp := mempool.New()
	for i := range blk.Txs {
		mp.Push(&blk.Txs[i])
	}
	mp.PushBufferToMempool()

	driverResult, err := batchdriver.Run(ctx, mp, a.db, a.offers, a.params.TxParams, uint32(len(blk.Txs)))
	if err != nil {
		return false, fmt.Errorf("blockassembler: validate batch driver: %w", err)
	}
	for _, codes := range driverResult.ChunkResults {
		for _, c := range codes {
			if c != nil && *c != types.TxSuccess {
				a.RollbackRound(ctx, driverResult.DirtyAccounts, blk.Header.Round)
				return false, nil
			}
		}
	}

	expectedSold := make(map[orderbook.PairKey]uint64, len(blk.Header.ClearingDetails))
	pairs := orderbook.AllPairs(a.params.NumAssets)
	targetSell := make(map[orderbook.PairKey]uint64, len(pairs))
	for i, pk := range pairs {
		expectedSold[pk] = blk.Header.ClearingDetails[i].SoldAmount
		targetSell[pk] = blk.Header.ClearingDetails[i].SoldAmount
	}

	clearResults, err := a.offers.TentativeClearForValidation(ctx, blk.Header.Prices, targetSell, expectedSold)
	if err != nil {
		a.RollbackRound(ctx, driverResult.DirtyAccounts, blk.Header.Round)
		return false, nil
	}

	fillLog := modlog.New()
	if err := applyFills(a.db, fillLog, clearResults); err != nil {
		a.RollbackRound(ctx, driverResult.DirtyAccounts, blk.Header.Round)
		return false, nil
	}

	dirty := mergeDirty(driverResult.DirtyAccounts, fillLog.DirtyAccounts())

	accountsRoot, err := a.db.TentativeProduceCommitment(ctx, dirty)
	if err != nil {
		return false, fmt.Errorf("blockassembler: tentative commitment: %w", err)
	}
	if accountsRoot != blk.Header.StateRoots.Accounts {
		a.rollbackTentative(ctx, dirty, blk.Header.Round)
		return false, nil
	}

	gotOrderbookRoot := orderbookRoot(buildClearingDetails(a.offers, a.params.NumAssets, clearResults))
	if gotOrderbookRoot != blk.Header.StateRoots.Orderbooks {
		a.rollbackTentative(ctx, dirty, blk.Header.Round)
		return false, nil
	}

	// Finalize: commit what validation left tentative.
	a.db.CommitNewAccounts(blk.Header.Round)
	if err := a.db.CommitValues(ctx, dirty); err != nil {
		return false, fmt.Errorf("blockassembler: finalize commit: %w", err)
	}
	if !a.db.CheckValidState(dirty) {
		return false, nil
	}
	if _, err := a.db.ProduceCommitment(ctx, dirty); err != nil {
		return false, fmt.Errorf("blockassembler: finalize commitment: %w", err)
	}
	a.chain.InsertForProduction(blk.Header.Round, blk.HeaderHash)

	return true, nil
}

// rollbackTentative undoes a tentative commitment write and the round's
// uncommitted balance/seq changes, used when validation fails after the
// unbuffered view already mutated live state (spec §5's scope-exit
// rollback guarantee, implemented explicitly since Go has no destructors).
func (a *Assembler) rollbackTentative(ctx context.Context, dirty []types.AccountID, round types.Round) {
	a.db.RollbackProduceStateCommitment(ctx, dirty)
	a.RollbackRound(ctx, dirty, round)
}

// RollbackRound undoes every tentative balance/sequence change made during
// a failed validation attempt (spec §4.9's "Validation aborts on the first
// invalid tx").
func (a *Assembler) RollbackRound(ctx context.Context, dirty []types.AccountID, round types.Round) {
	a.db.RollbackValues(ctx, dirty)
	a.db.RollbackNewAccounts(round - 1)
}
