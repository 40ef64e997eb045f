package orderbook

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
)

// PairKey identifies a directed asset pair (sell, buy); sell == buy is
// never a valid key (spec §4.7's num_pairs = N·(N−1)).
type PairKey struct {
	Sell types.AssetID
	Buy  types.AssetID
}

// Manager is C7 OrderbookManager: one Book per directed asset pair.
type Manager struct {
	numAssets   int
	mu          sync.RWMutex
	books       map[PairKey]*Book
	parallelism int64
}

// NewManager constructs an empty manager for numAssets assets
// (0 <= AssetID < numAssets).
func NewManager(numAssets int) *Manager {
	return &Manager{
		numAssets:   numAssets,
		books:       make(map[PairKey]*Book),
		parallelism: int64(runtime.GOMAXPROCS(0)),
	}
}

func (m *Manager) bookFor(sell, buy types.AssetID) *Book {
	key := PairKey{Sell: sell, Buy: buy}
	m.mu.RLock()
	b, ok := m.books[key]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.books[key]; ok {
		return b
	}
	b = NewBook(sell, buy)
	m.books[key] = b
	return b
}

// AddOffer inserts offer directly into the canonical book for its pair.
// Production callers instead use a Staged set of books via Checkout to
// avoid contending on the canonical trie during the parallel batch pass.
func (m *Manager) AddOffer(o Offer) {
	m.bookFor(o.SellAsset, o.BuyAsset).AddOffer(o)
}

// CancelOffer deletes an offer from its book (spec §4.6 cancel_offer).
func (m *Manager) CancelOffer(sell, buy types.AssetID, minPrice types.Price, owner types.AccountID, offerID types.OfferID) (Offer, bool) {
	return m.bookFor(sell, buy).CancelOffer(minPrice, owner, offerID)
}

// RemoveOffer cancels o from the canonical book, used to unwind a
// CREATE_SELL_OFFER op whose enclosing transaction later failed.
func (m *Manager) RemoveOffer(o Offer) bool {
	_, ok := m.CancelOffer(o.SellAsset, o.BuyAsset, o.MinPrice, o.Owner, o.OfferID)
	return ok
}

// Staged holds one thread-local Book per pair an individual worker touched
// this round (spec §4.6 add_offer: "inserts into a thread-local trie which
// the manager later merges").
type Staged struct {
	m     *Manager
	books map[PairKey]*Book
}

// Checkout returns a fresh Staged set for one worker.
func (m *Manager) Checkout() *Staged {
	return &Staged{m: m, books: make(map[PairKey]*Book)}
}

// AddOffer inserts offer into this worker's thread-local book for its pair.
func (s *Staged) AddOffer(o Offer) {
	key := PairKey{Sell: o.SellAsset, Buy: o.BuyAsset}
	b, ok := s.books[key]
	if !ok {
		b = s.m.bookFor(o.SellAsset, o.BuyAsset).Checkout()
		s.books[key] = b
	}
	b.AddOffer(o)
}

// RemoveOffer cancels o from this worker's thread-local book, used to
// unwind a CREATE_SELL_OFFER op whose enclosing transaction later failed,
// before the staged book is ever merged into the canonical one.
func (s *Staged) RemoveOffer(o Offer) bool {
	key := PairKey{Sell: o.SellAsset, Buy: o.BuyAsset}
	b, ok := s.books[key]
	if !ok {
		return false
	}
	_, ok = b.CancelOffer(o.MinPrice, o.Owner, o.OfferID)
	return ok
}

// PartialFinish merges every worker's staged books into the canonical
// books, parallelizing over pair indices rather than over workers to avoid
// contention on any single book (spec §4.7 step 2).
func (m *Manager) PartialFinish(ctx context.Context, staged []*Staged) error {
	perPair := make(map[PairKey][]*Book)
	for _, s := range staged {
		if s == nil {
			continue
		}
		for key, b := range s.books {
			perPair[key] = append(perPair[key], b)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(m.parallelism)
	for key, bs := range perPair {
		key, bs := key, bs
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			canonical := m.bookFor(key.Sell, key.Buy)
			for _, b := range bs {
				canonical.MergeIn(b)
			}
			return nil
		})
	}
	return g.Wait()
}

// pairKeys returns every pair currently holding a book, in a deterministic
// order (ascending sell, then ascending buy).
func (m *Manager) pairKeys() []PairKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]PairKey, 0, len(m.books))
	for k := range m.books {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Sell != keys[j].Sell {
			return keys[i].Sell < keys[j].Sell
		}
		return keys[i].Buy < keys[j].Buy
	})
	return keys
}

// bookPrice computes the clearing price for the (sell, buy) book implied by
// per-asset prices: buyers pay prices[buy] per unit of the numeraire and
// sellers ask prices[sell], so one unit of sell buys prices[sell]/
// prices[buy] units of buy — expressed in Price fixed-point via Ratio.
func bookPrice(prices []types.Price, sell, buy types.AssetID) (types.Price, bool) {
	if int(sell) >= len(prices) || int(buy) >= len(prices) {
		return 0, false
	}
	return types.Ratio(uint64(prices[sell]), uint64(prices[buy]))
}

// PairPrice exposes bookPrice for callers outside the package (the
// tâtonnement oracle needs a pair's implied clearing price to size its LP
// feasibility probe).
func (m *Manager) PairPrice(prices []types.Price, sell, buy types.AssetID) (types.Price, bool) {
	return bookPrice(prices, sell, buy)
}

// PairDepths returns, for every pair holding a book, the total sell-asset
// volume resting at or below that pair's implied price (spec §4.11's
// "partial integrals over the minPrice-ordered books", evaluated per pair
// rather than aggregated per asset).
func (m *Manager) PairDepths(prices []types.Price) map[PairKey]uint64 {
	out := make(map[PairKey]uint64)
	for _, key := range m.pairKeys() {
		p, ok := bookPrice(prices, key.Sell, key.Buy)
		if !ok {
			continue
		}
		var depth uint64
		m.bookFor(key.Sell, key.Buy).t.ApplyToKeys(func(_ []byte, o Offer) {
			if o.MinPrice <= p {
				depth += uint64(o.Amount)
			}
		})
		out[key] = depth
	}
	return out
}

// SupplyDemand aggregates, for every asset, the sell-asset volume offered
// at-or-below the implied book price (supply) and the corresponding
// buy-asset volume it would consume (demand), across every book
// (spec §4.11's excess(p, A) = supply_A(p) − demand_A(p)).
func (m *Manager) SupplyDemand(prices []types.Price) (supply, demand []int64) {
	supply = make([]int64, len(prices))
	demand = make([]int64, len(prices))

	for _, key := range m.pairKeys() {
		p, ok := bookPrice(prices, key.Sell, key.Buy)
		if !ok {
			continue
		}
		b := m.bookFor(key.Sell, key.Buy)
		b.t.ApplyToKeys(func(_ []byte, o Offer) {
			if o.MinPrice > p {
				return
			}
			supply[key.Sell] += o.Amount
			if credit, err := scaleSellToBuy(o.Amount, p); err == nil {
				demand[key.Buy] += credit
			}
		})
	}
	return supply, demand
}

// ClearResult is the outcome of clearing one book at the solved prices.
type ClearResult struct {
	Pair      PairKey
	Fills     []Fill
	SoldTotal uint64
	RootHash  [32]byte
}

// ClearForProduction clears every book at the given prices, targeting
// targetSell[pair] units of sell-asset volume per book (the volumes the
// price solver certified as feasible), in parallel across pairs
// (spec §4.7 step 4, §4.12 propose() step 3).
func (m *Manager) ClearForProduction(ctx context.Context, prices []types.Price, targetSell map[PairKey]uint64) ([]ClearResult, error) {
	keys := m.pairKeys()
	results := make([]ClearResult, len(keys))

	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(m.parallelism)
	for i, key := range keys {
		i, key := i, key
		target := targetSell[key]
		if target == 0 {
			results[i] = ClearResult{Pair: key, RootHash: m.bookFor(key.Sell, key.Buy).Hash()}
			continue
		}
		p, ok := bookPrice(prices, key.Sell, key.Buy)
		if !ok {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			b := m.bookFor(key.Sell, key.Buy)
			fills, sold, err := b.ClearOffers(p, target)
			if err != nil {
				return fmt.Errorf("orderbook: clear pair %+v: %w", key, err)
			}
			results[i] = ClearResult{Pair: key, Fills: fills, SoldTotal: sold, RootHash: b.Hash()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// TentativeClearForValidation clears every book exactly as ClearForProduction
// does but additionally checks that the resulting sold volume matches the
// caller-supplied expected volumes, failing with an error naming the first
// mismatching pair (spec §4.7 step 5, §4.12 validate() step 3).
func (m *Manager) TentativeClearForValidation(ctx context.Context, prices []types.Price, targetSell map[PairKey]uint64, expectedSold map[PairKey]uint64) ([]ClearResult, error) {
	results, err := m.ClearForProduction(ctx, prices, targetSell)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.SoldTotal != expectedSold[r.Pair] {
			return nil, fmt.Errorf("orderbook: clearing volume mismatch for pair %+v: got %d, want %d", r.Pair, r.SoldTotal, expectedSold[r.Pair])
		}
	}
	return results, nil
}

// emptyBookHash is the root hash of a book that has never held an offer,
// computed once so BookRootOrEmpty never needs to materialize a Book for a
// directed pair nothing has ever traded on.
var emptyBookHash = NewBook(0, 1).Hash()

// BookRootOrEmpty returns the current root hash of the (sell, buy) book if
// it has ever existed, or the canonical empty-trie hash otherwise, without
// allocating a Book for a pair that has never seen an offer. Used to fill
// out the full numAssets*(numAssets-1)-entry ClearingDetails array spec §6
// requires even for pairs nothing has traded on this round.
func (m *Manager) BookRootOrEmpty(sell, buy types.AssetID) [32]byte {
	key := PairKey{Sell: sell, Buy: buy}
	m.mu.RLock()
	b, ok := m.books[key]
	m.mu.RUnlock()
	if !ok {
		return emptyBookHash
	}
	return b.Hash()
}

// BookRoots returns every pair's current book root hash.
func (m *Manager) BookRoots() map[PairKey][32]byte {
	out := make(map[PairKey][32]byte)
	for _, key := range m.pairKeys() {
		out[key] = m.bookFor(key.Sell, key.Buy).Hash()
	}
	return out
}

// CombinedRoot folds every pair's current book root (or the canonical
// empty-book hash for a pair that has never traded) into a single
// commitment, the same combination the block header's orderbook root
// uses (spec §3: "orderbook roots ... hash into the block header"). Used
// by genesis install and the ReplayLoader to recompute the header's
// orderbook root independent of BlockAssembler.
func (m *Manager) CombinedRoot(numAssets int) [32]byte {
	pairs := AllPairs(numAssets)
	parts := make([][]byte, 0, len(pairs))
	for _, pk := range pairs {
		h := m.BookRootOrEmpty(pk.Sell, pk.Buy)
		parts = append(parts, h[:])
	}
	return xcrypto.CommitmentHash(parts...)
}

// AllOffers returns every resting offer across every book, used to
// serialize the manager's full state for persistence (spec §4.14 phase 3)
// and to checkpoint it in tests.
func (m *Manager) AllOffers() []Offer {
	var out []Offer
	for _, key := range m.pairKeys() {
		out = append(out, m.bookFor(key.Sell, key.Buy).AllOffers()...)
	}
	return out
}
