// Package modlog implements C8 ModificationLog: a per-round record of which
// accounts were touched and by which transactions, backed by an
// AuthenticatedTrie keyed on AccountID. Worker threads accumulate a
// thread-local SerialLog during the parallel batch pass and merge it back
// into the canonical log afterward (spec §4.8).
package modlog

import (
	"context"
	"encoding/binary"
	"runtime"
	"sort"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/speedex-labs/batchengine/pkg/trie"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// TxRef identifies the transaction responsible for one entry in the log.
type TxRef struct {
	Source types.AccountID
	Seq    uint64
}

func (r TxRef) bytes() []byte {
	e := xdr.NewEncoder()
	e.U64(uint64(r.Source)).U64(r.Seq)
	return e.Bytes()
}

func hashEntries(refs []TxRef) []byte {
	e := xdr.NewEncoder()
	e.U32(uint32(len(refs)))
	for _, r := range refs {
		e.Fixed(r.bytes())
	}
	return e.Bytes()
}

func unionMerge(existing, incoming []TxRef) []TxRef {
	return append(append([]TxRef(nil), existing...), incoming...)
}

// Log is the modification log: a trie from AccountID to the list of
// TxRefs that touched it this round.
type Log struct {
	t           *trie.Trie[[]TxRef]
	parallelism int64
}

// New constructs an empty modification log.
func New() *Log {
	return &Log{
		t:           trie.New(hashEntries, unionMerge),
		parallelism: int64(runtime.GOMAXPROCS(0)),
	}
}

func accountKey(id types.AccountID) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(id))
	return b[:]
}

// Record appends ref to account's entry, creating it if necessary
// (spec §4.8, C9's "append to modification log" step).
func (l *Log) Record(account types.AccountID, ref TxRef) {
	l.t.Insert(accountKey(account), []TxRef{ref})
}

// Checkout returns a fresh thread-local log sharing this log's merge
// semantics, for a worker to accumulate independently (spec §4.5's
// recycling-cache pattern, applied here to the modification log).
func (l *Log) Checkout() *Log {
	return &Log{t: l.t.Checkout(), parallelism: l.parallelism}
}

// MergeIn folds other into l.
func (l *Log) MergeIn(other *Log) {
	l.t.MergeIn(other.t)
}

// BatchMergeIn folds a batch of worker-local logs back into l
// (spec §4.10: "merge_in_log_batch").
func (l *Log) BatchMergeIn(locals []*Log) {
	ts := make([]*trie.Trie[[]TxRef], 0, len(locals))
	for _, lg := range locals {
		if lg == nil {
			continue
		}
		ts = append(ts, lg.t)
	}
	l.t.BatchMergeIn(ts)
}

// DirtyAccounts returns every account touched this round in ascending
// AccountID order.
func (l *Log) DirtyAccounts() []types.AccountID {
	var out []types.AccountID
	l.t.ApplyToKeys(func(key []byte, _ []TxRef) {
		out = append(out, types.AccountID(binary.BigEndian.Uint64(key)))
	})
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParallelIterate runs fn over every (account, refs) entry concurrently,
// bounded by the log's configured parallelism (spec §4.8
// parallel_iterate_over_log).
func (l *Log) ParallelIterate(ctx context.Context, fn func(types.AccountID, []TxRef) error) error {
	type entry struct {
		id   types.AccountID
		refs []TxRef
	}
	var entries []entry
	l.t.ApplyToKeys(func(key []byte, refs []TxRef) {
		entries = append(entries, entry{id: types.AccountID(binary.BigEndian.Uint64(key)), refs: refs})
	})

	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(l.parallelism)
	for _, e := range entries {
		e := e
		if err := sem.Acquire(ctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			return fn(e.id, e.refs)
		})
	}
	return g.Wait()
}

// AccumulateParallel is parallel_iterate_over_log specialized to reduce
// each account's entries to a value, returned in ascending-AccountID order
// (spec §4.8 accumulate_values_parallel).
func AccumulateParallel[R any](ctx context.Context, l *Log, fn func(types.AccountID, []TxRef) R) ([]R, error) {
	ids := l.DirtyAccounts()
	results := make([]R, len(ids))
	idToRefs := make(map[types.AccountID][]TxRef, len(ids))
	l.t.ApplyToKeys(func(key []byte, refs []TxRef) {
		idToRefs[types.AccountID(binary.BigEndian.Uint64(key))] = refs
	})

	g, ctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(l.parallelism)
	for i, id := range ids {
		i, id := i, id
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			results[i] = fn(id, idToRefs[id])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Hash returns the log trie's root commitment.
func (l *Log) Hash() [32]byte { return l.t.Hash() }

// Size returns the number of distinct dirty accounts.
func (l *Log) Size() int { return l.t.Size() }
