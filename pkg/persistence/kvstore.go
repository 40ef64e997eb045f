// Package persistence implements C14, the four-phase async flush of
// account commitments, orderbook state, and the header-hash chain to
// durable storage (spec §4.14), consuming the narrow KVStore capability
// spec §1 and §6 describe rather than owning any particular backing
// store's internals. pkg/persistence ships one concrete adapter
// (Pebble-backed, see pebblekv.go) so the pipeline and ReplayLoader are
// exercisable end to end; nothing else in this module depends on Pebble
// directly.
package persistence

import "errors"

// ErrNotFound is returned by ReadTxn.Get/WriteTxn.Get for a missing key,
// independent of the backing store's own not-found sentinel.
var ErrNotFound = errors.New("persistence: key not found")

// ReadTxn is a read-only view into one named database.
type ReadTxn interface {
	Get(key []byte) ([]byte, error)
	Close() error
}

// WriteTxn is a batched read-write view into one named database; writes
// are invisible until Commit.
type WriteTxn interface {
	Get(key []byte) ([]byte, error)
	Put(key, val []byte) error
	Commit() error
	Close() error
}

// KVStore is the durable key-value capability the engine consumes
// (spec §1 "durable key-value backing store ... consumed as a KVStore
// capability", §6). The engine owns sharding and metadata layout on top
// of this narrow surface; KVStore itself knows nothing about accounts,
// orderbooks, or rounds.
type KVStore interface {
	Open(path string) error
	CreateDB(name string) error
	OpenDB(name string) error
	BeginRead(db string) (ReadTxn, error)
	BeginWrite(db string) (WriteTxn, error)
	PersistedRound(shard int) (uint64, error)
	SetPersistedRound(shard int, r uint64) error
	Sync() error
	Close() error

	// All returns every key/value pair currently in db, for the
	// ReplayLoader's one-time full-state load at startup (spec §4.17).
	// Not used on any hot path: per-round work goes through BeginWrite.
	All(db string) (map[string][]byte, error)
}

// persistedRoundKey is the per-shard metadata record spec §6 names:
// "the engine ... writes a per-shard metadata record 'persisted block' ->
// big-endian u64".
func persistedRoundKey(shard int) []byte {
	return []byte("persisted block:" + itoa(shard))
}

// hashKeyRecordKey is spec §6's "the short-hash key is persisted once,
// under 'hash key'".
func hashKeyRecordKey() []byte { return []byte("hash key") }

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
