package persistence

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/speedex-labs/batchengine/pkg/types"
)

// AccountEntry is one (account, serialized commitment) pair destined for
// the account shard's KVStore (spec §4.4's thunk discipline).
type AccountEntry struct {
	ID   types.AccountID
	Data []byte
}

// RawEntry is a generic (key, value) pair for the orderbook and header-hash
// stores, which do not need AccountDatabase's shard routing.
type RawEntry struct {
	Key []byte
	Val []byte
}

// RoundWork is everything one round's commit contributes to the
// persistence pipeline: the dirty account commitments (grouped by shard
// index in AccountsByShard), the orderbook/header-chain raw entries, and the block
// header bytes that phase 0 must durably record before the block is
// released to the network (spec §4.14).
type RoundWork struct {
	Round        types.Round
	AccountsByShard map[int][]AccountEntry
	Orderbooks   []RawEntry
	HeaderChain  []RawEntry
	HeaderBytes  []byte
	HeaderHash   [32]byte
}

const (
	orderbookDB  = "orderbooks"
	headerDB     = "headers"
	headerLogDB  = "header_log"
)

func accountDBName(shard int) string { return "accounts-" + itoa(shard) }

// AccountDBName, OrderbookDBName, HeaderChainDBName, and BlockHeaderDBName
// expose the pipeline's db-naming convention to the ReplayLoader, which
// reads these same databases back with KVStore.All (spec §4.17).
func AccountDBName(shard int) string { return accountDBName(shard) }
func OrderbookDBName() string        { return orderbookDB }
func HeaderChainDBName() string      { return headerLogDB }
func BlockHeaderDBName() string      { return headerDB }

// HeaderKey exposes the round->key mapping phase0 uses for the block
// header store, so the ReplayLoader can look up a specific round's header
// bytes directly instead of scanning the whole db.
func HeaderKey(round types.Round) []byte { return headerKey(round) }

// Pipeline is C14: the four cooperating phases that flush one round's
// writeset to durable storage, pipelined so phase K of round R runs
// concurrently with phase K-1 of round R+1 (spec §4.14, §5). Each phase is
// one goroutine draining a buffered channel of work tokens — the Go
// mapping of the teacher's per-worker mutex+cv pattern (SPEC_FULL.md §8).
type Pipeline struct {
	store     KVStore
	numShards int

	toPhase1 chan *RoundWork
	toPhase2 chan *RoundWork
	toPhase3 chan *RoundWork
	done     chan struct{}

	wg      sync.WaitGroup
	errMu   sync.Mutex
	lastErr error
}

// New constructs and starts a Pipeline backed by store, which must already
// have accounts-<shard>, orderbooks, and headers databases created (see
// Open).
func New(store KVStore, numShards int) *Pipeline {
	p := &Pipeline{
		store:     store,
		numShards: numShards,
		toPhase1:  make(chan *RoundWork, 8),
		toPhase2:  make(chan *RoundWork, 8),
		toPhase3:  make(chan *RoundWork, 8),
		done:      make(chan struct{}),
	}
	p.wg.Add(3)
	go p.runPhase1()
	go p.runPhase2()
	go p.runPhase3()
	return p
}

// Open creates every database the pipeline needs against store: one per
// account shard, one for orderbooks, one for the header chain, one for
// headers themselves (spec §6's per-store layout).
func Open(store KVStore, path string, numShards int) error {
	if err := store.Open(path); err != nil {
		return fmt.Errorf("persistence: open %s: %w", path, err)
	}
	for s := 0; s < numShards; s++ {
		if err := store.CreateDB(accountDBName(s)); err != nil {
			return fmt.Errorf("persistence: create account shard %d db: %w", s, err)
		}
	}
	if err := store.CreateDB(orderbookDB); err != nil {
		return fmt.Errorf("persistence: create orderbook db: %w", err)
	}
	if err := store.CreateDB(headerDB); err != nil {
		return fmt.Errorf("persistence: create header db: %w", err)
	}
	if err := store.CreateDB(headerLogDB); err != nil {
		return fmt.Errorf("persistence: create header log db: %w", err)
	}
	return nil
}

func headerKey(round types.Round) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(round))
	return b[:]
}

// phase0 synchronously snapshots the header write: it must finish before
// the block is released to the consensus/network layer (spec §4.14).
func (p *Pipeline) phase0(w *RoundWork) error {
	txn, err := p.store.BeginWrite(headerDB)
	if err != nil {
		return fmt.Errorf("persistence: phase0 begin write: %w", err)
	}
	defer txn.Close()
	if err := txn.Put(headerKey(w.Round), w.HeaderBytes); err != nil {
		return fmt.Errorf("persistence: phase0 put header: %w", err)
	}
	if err := txn.Commit(); err != nil {
		return fmt.Errorf("persistence: phase0 commit: %w", err)
	}
	return nil
}

// Commit runs phase 0 synchronously, then enqueues w for the async
// phase 1-3 pipeline. Returns once the round is durably recorded as
// "committed" (spec §5: "a round is externally committed only after phase
// 0").
func (p *Pipeline) Commit(w *RoundWork) error {
	if err := p.phase0(w); err != nil {
		return err
	}
	select {
	case p.toPhase1 <- w:
		return nil
	case <-p.done:
		return fmt.Errorf("persistence: pipeline closed")
	}
}

func (p *Pipeline) recordErr(err error) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	if p.lastErr == nil {
		p.lastErr = err
	}
	p.errMu.Unlock()
}

// Err returns the first error observed by any background phase, if any.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.lastErr
}

func (p *Pipeline) runPhase1() {
	defer p.wg.Done()
	for w := range p.toPhase1 {
		if err := p.phase1(w); err != nil {
			p.recordErr(fmt.Errorf("persistence: phase1 round %d: %w", w.Round, err))
		}
		p.toPhase2 <- w
	}
	close(p.toPhase2)
}

// phase1 applies every dirty account's commitment thunk into its shard's
// write transaction and commits (spec §4.14).
func (p *Pipeline) phase1(w *RoundWork) error {
	for shard, entries := range w.AccountsByShard {
		txn, err := p.store.BeginWrite(accountDBName(shard))
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := txn.Put(accountKeyBytes(e.ID), e.Data); err != nil {
				txn.Close()
				return err
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
		if err := p.store.SetPersistedRound(shard, uint64(w.Round)); err != nil {
			return err
		}
	}
	return nil
}

func accountKeyBytes(id types.AccountID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

func (p *Pipeline) runPhase2() {
	defer p.wg.Done()
	for w := range p.toPhase2 {
		if err := p.store.Sync(); err != nil {
			p.recordErr(fmt.Errorf("persistence: phase2 round %d: %w", w.Round, err))
		}
		p.toPhase3 <- w
	}
	close(p.toPhase3)
}

func (p *Pipeline) runPhase3() {
	defer p.wg.Done()
	for w := range p.toPhase3 {
		if err := p.phase3(w); err != nil {
			p.recordErr(fmt.Errorf("persistence: phase3 round %d: %w", w.Round, err))
		}
	}
}

// orderbookPersistedShard and headerChainPersistedShard borrow the
// per-shard "persisted round" metadata slots the account stores use
// (spec §6), at indices beyond the account shard range, so the
// ReplayLoader can compute each store's high-water mark with the same
// PersistedRound call it uses for account shards (spec §4.17 step 2).
func (p *Pipeline) orderbookPersistedShard() int   { return p.numShards }
func (p *Pipeline) headerChainPersistedShard() int { return p.numShards + 1 }

// phase3 persists orderbook and header-hash-map thunks (spec §4.14).
func (p *Pipeline) phase3(w *RoundWork) error {
	if len(w.Orderbooks) > 0 {
		txn, err := p.store.BeginWrite(orderbookDB)
		if err != nil {
			return err
		}
		for _, e := range w.Orderbooks {
			if err := txn.Put(e.Key, e.Val); err != nil {
				txn.Close()
				return err
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	if err := p.store.SetPersistedRound(p.orderbookPersistedShard(), uint64(w.Round)); err != nil {
		return err
	}
	if len(w.HeaderChain) > 0 {
		txn, err := p.store.BeginWrite(headerLogDB)
		if err != nil {
			return err
		}
		for _, e := range w.HeaderChain {
			if err := txn.Put(e.Key, e.Val); err != nil {
				txn.Close()
				return err
			}
		}
		if err := txn.Commit(); err != nil {
			return err
		}
	}
	if err := p.store.SetPersistedRound(p.headerChainPersistedShard(), uint64(w.Round)); err != nil {
		return err
	}
	return nil
}

// OrderbookPersistedShard and HeaderChainPersistedShard expose the
// reserved PersistedRound slot indices to the ReplayLoader.
func OrderbookPersistedShard(numShards int) int   { return numShards }
func HeaderChainPersistedShard(numShards int) int { return numShards + 1 }

// Close drains every in-flight round through all three background phases
// and stops the pipeline (spec §4.14: "shutdown drains all phases").
// Callers must not call Commit concurrently with Close; the engine's own
// serialization of propose/validate/commit_decision (spec §5) already
// guarantees this.
func (p *Pipeline) Close() error {
	close(p.done)
	close(p.toPhase1)
	p.wg.Wait()
	return p.Err()
}
