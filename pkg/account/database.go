package account

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/speedex-labs/batchengine/pkg/trie"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
)

type shard struct {
	mu       sync.RWMutex
	accounts map[types.AccountID]*Account
}

// newAccountThunk records how many accounts were staged into the main map
// at a given round; RollbackNewAccounts trims these records but does not
// remove the accounts they describe (spec §4.4).
type newAccountThunk struct {
	round types.Round
	count int
}

// Database is C4 AccountDatabase: a sharded table of accounts, routed by a
// keyed short-hash of AccountID, plus the authenticated trie of account
// commitments built over it (spec §4.4).
type Database struct {
	shards  []*shard
	hashKey xcrypto.ShardHashKey
	numAcct int

	stagedMu sync.Mutex
	staged   map[types.AccountID]*Account

	thunkMu sync.Mutex
	thunks  []newAccountThunk

	commitments *trie.Trie[Commitment]
	seqWindow   int
	parallelism int64
}

func commitmentHashFn(c Commitment) []byte { return c.CanonicalBytes() }
func keepIncoming(_, incoming Commitment) Commitment { return incoming }

// NewDatabase constructs an empty Database with numShards shards, routed
// using hashKey (spec §4.4: "the short-hash key is persisted once, under
// 'hash key'" — callers load or generate it before constructing the db).
func NewDatabase(numShards int, hashKey xcrypto.ShardHashKey, seqWindow int) *Database {
	shards := make([]*shard, numShards)
	for i := range shards {
		shards[i] = &shard{accounts: make(map[types.AccountID]*Account)}
	}
	return &Database{
		shards:      shards,
		hashKey:     hashKey,
		staged:      make(map[types.AccountID]*Account),
		commitments: trie.New(commitmentHashFn, keepIncoming),
		seqWindow:   seqWindow,
		parallelism: int64(runtime.GOMAXPROCS(0)),
	}
}

func accountIDBytes(id types.AccountID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// shardIndex computes spec §4.4's shard(id) = truncate_to_u32(shorthash(id,
// HASH_KEY)) * S / 2^32.
func (d *Database) shardIndex(id types.AccountID) int {
	h := xcrypto.ShortHash(d.hashKey, accountIDBytes(id))
	truncated := uint32(h)
	s := uint64(len(d.shards))
	return int((uint64(truncated) * s) >> 32)
}

func (d *Database) shardFor(id types.AccountID) *shard {
	return d.shards[d.shardIndex(id)]
}

// Lookup returns a pointer to id's account, checking this round's staged
// accounts first so a just-created account is visible to later operations
// in the same round (spec §4.4, §4.9).
func (d *Database) Lookup(id types.AccountID) (*Account, bool) {
	d.stagedMu.Lock()
	if a, ok := d.staged[id]; ok {
		d.stagedMu.Unlock()
		return a, true
	}
	d.stagedMu.Unlock()

	sh := d.shardFor(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	a, ok := sh.accounts[id]
	return a, ok
}

// CreateStaged stages a new account for this round, failing
// NEW_ACCOUNT_ALREADY_EXISTS if id is already committed, or
// NEW_ACCOUNT_TEMP_RESERVED if another tx already staged it this round
// (spec §4.9's CREATE_ACCOUNT op).
func (d *Database) CreateStaged(id types.AccountID, pubKey ed25519.PublicKey, startingBalance int64) (*Account, types.TxResultCode) {
	sh := d.shardFor(id)
	sh.mu.RLock()
	_, exists := sh.accounts[id]
	sh.mu.RUnlock()
	if exists {
		return nil, types.TxNewAccountAlreadyExists
	}

	d.stagedMu.Lock()
	defer d.stagedMu.Unlock()
	if _, exists := d.staged[id]; exists {
		return nil, types.TxNewAccountTempReserved
	}
	a := New(id, pubKey, startingBalance, d.seqWindow)
	d.staged[id] = a
	return a, types.TxSuccess
}

// InstallAccount installs an account directly from a persisted Commitment
// into its shard's main map and the commitment trie, without going
// through the staging area or a round's commit/rollback cycle. Used by
// genesis load and the ReplayLoader (spec §4.17) to bring the database to
// a known committed state before any block is replayed against it.
func (d *Database) InstallAccount(c Commitment) {
	a := installCommitted(c, d.seqWindow)
	sh := d.shardFor(a.ID)
	sh.mu.Lock()
	sh.accounts[a.ID] = a
	sh.mu.Unlock()
	d.commitments.Insert(accountIDBytes(a.ID), c)
}

// CommitNewAccounts moves every staged account into its shard's main map
// and records a thunk of how many accounts were added this round
// (spec §4.4).
func (d *Database) CommitNewAccounts(round types.Round) {
	d.stagedMu.Lock()
	staged := d.staged
	d.staged = make(map[types.AccountID]*Account)
	d.stagedMu.Unlock()

	for id, a := range staged {
		sh := d.shardFor(id)
		sh.mu.Lock()
		sh.accounts[id] = a
		sh.mu.Unlock()
	}

	d.thunkMu.Lock()
	d.thunks = append(d.thunks, newAccountThunk{round: round, count: len(staged)})
	d.thunkMu.Unlock()
}

// RollbackNewAccounts discards every staged account and trims the thunk
// history to entries at or below round (spec §4.4). The trimmed thunks
// themselves do not undo already-committed shard insertions; a rewind
// beyond this round is the ReplayLoader's responsibility (spec §4.17).
func (d *Database) RollbackNewAccounts(round types.Round) {
	d.stagedMu.Lock()
	d.staged = make(map[types.AccountID]*Account)
	d.stagedMu.Unlock()

	d.thunkMu.Lock()
	kept := d.thunks[:0]
	for _, th := range d.thunks {
		if th.round <= round {
			kept = append(kept, th)
		}
	}
	d.thunks = kept
	d.thunkMu.Unlock()
}

func (d *Database) forEachDirty(ctx context.Context, dirty []types.AccountID, fn func(*Account) error) error {
	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(d.parallelism)
	for _, id := range dirty {
		id := id
		a, ok := d.Lookup(id)
		if !ok {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return fn(a)
		})
	}
	return g.Wait()
}

// CommitValues calls Commit on every account named in dirty, in parallel
// (spec §4.4 commit_values).
func (d *Database) CommitValues(ctx context.Context, dirty []types.AccountID) error {
	return d.forEachDirty(ctx, dirty, func(a *Account) error {
		a.Commit()
		return nil
	})
}

// RollbackValues calls Rollback on every account named in dirty.
func (d *Database) RollbackValues(ctx context.Context, dirty []types.AccountID) error {
	return d.forEachDirty(ctx, dirty, func(a *Account) error {
		a.Rollback()
		return nil
	})
}

// CheckValidState returns false iff any account in dirty has a negative
// committed balance (spec §4.4 check_valid_state).
func (d *Database) CheckValidState(dirty []types.AccountID) bool {
	for _, id := range dirty {
		a, ok := d.Lookup(id)
		if !ok {
			continue
		}
		if !a.CommittedValid() {
			return false
		}
	}
	return true
}

// ProduceCommitment rewrites the trie value for each dirty account using
// its committed balances, then hashes the trie (spec §4.4
// produce_commitment).
func (d *Database) ProduceCommitment(ctx context.Context, dirty []types.AccountID) ([32]byte, error) {
	if err := d.rewriteCommitments(ctx, dirty, func(a *Account) Commitment { return a.ProduceCommitment() }); err != nil {
		return [32]byte{}, err
	}
	return d.commitments.Hash(), nil
}

// TentativeProduceCommitment is ProduceCommitment using tentative (pending)
// balances instead of committed ones (spec §4.4).
func (d *Database) TentativeProduceCommitment(ctx context.Context, dirty []types.AccountID) ([32]byte, error) {
	if err := d.rewriteCommitments(ctx, dirty, func(a *Account) Commitment { return a.TentativeCommitment() }); err != nil {
		return [32]byte{}, err
	}
	return d.commitments.Hash(), nil
}

// RollbackProduceStateCommitment restores trie values from committed
// balances for each dirty key, undoing any tentative commitment writes
// (spec §4.4).
func (d *Database) RollbackProduceStateCommitment(ctx context.Context, dirty []types.AccountID) error {
	return d.rewriteCommitments(ctx, dirty, func(a *Account) Commitment { return a.ProduceCommitment() })
}

func (d *Database) rewriteCommitments(ctx context.Context, dirty []types.AccountID, build func(*Account) Commitment) error {
	type kv struct {
		key []byte
		val Commitment
	}
	results := make([]kv, 0, len(dirty))
	var mu sync.Mutex

	err := d.forEachDirty(ctx, dirty, func(a *Account) error {
		c := build(a)
		mu.Lock()
		results = append(results, kv{key: accountIDBytes(a.ID), val: c})
		mu.Unlock()
		return nil
	})
	if err != nil {
		return fmt.Errorf("account: rewrite commitments: %w", err)
	}
	for _, r := range results {
		d.commitments.Insert(r.key, r.val)
	}
	return nil
}

// CommitmentRoot returns the current commitment trie's root hash without
// rewriting any values.
func (d *Database) CommitmentRoot() [32]byte {
	return d.commitments.Hash()
}
