package persistence

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/pebble"
)

// PebbleKV is the Pebble-backed KVStore adapter (spec §1's concrete
// exercise of the otherwise-external KVStore capability, grounded on the
// teacher's pkg/storage.PebbleStore and pkg/app/core/account.Store). Each
// named database gets its own Pebble handle under root/<name>, matching
// spec §6's "one KVStore per shard of the account db; one for orderbooks;
// one for header-hash map."
type PebbleKV struct {
	root string

	mu  sync.RWMutex
	dbs map[string]*pebble.DB
}

// NewPebbleKV constructs an unopened adapter; call Open before use.
func NewPebbleKV() *PebbleKV {
	return &PebbleKV{dbs: make(map[string]*pebble.DB)}
}

func (k *PebbleKV) Open(path string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.root = path
	return nil
}

func (k *PebbleKV) dbPath(name string) string {
	return filepath.Join(k.root, name)
}

func (k *PebbleKV) CreateDB(name string) error {
	return k.OpenDB(name)
}

func (k *PebbleKV) OpenDB(name string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if _, ok := k.dbs[name]; ok {
		return nil
	}
	db, err := pebble.Open(k.dbPath(name), &pebble.Options{})
	if err != nil {
		return fmt.Errorf("persistence: open db %q: %w", name, err)
	}
	k.dbs[name] = db
	return nil
}

func (k *PebbleKV) dbFor(name string) (*pebble.DB, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	db, ok := k.dbs[name]
	if !ok {
		return nil, fmt.Errorf("persistence: db %q not open", name)
	}
	return db, nil
}

type pebbleReadTxn struct {
	snap *pebble.Snapshot
}

func (r *pebbleReadTxn) Get(key []byte) ([]byte, error) {
	v, closer, err := r.snap.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (r *pebbleReadTxn) Close() error { return r.snap.Close() }

func (k *PebbleKV) BeginRead(name string) (ReadTxn, error) {
	db, err := k.dbFor(name)
	if err != nil {
		return nil, err
	}
	return &pebbleReadTxn{snap: db.NewSnapshot()}, nil
}

type pebbleWriteTxn struct {
	db    *pebble.DB
	batch *pebble.Batch
}

func (w *pebbleWriteTxn) Get(key []byte) ([]byte, error) {
	v, closer, err := w.batch.Get(key)
	if err == pebble.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	return append([]byte(nil), v...), nil
}

func (w *pebbleWriteTxn) Put(key, val []byte) error {
	return w.batch.Set(key, val, nil)
}

func (w *pebbleWriteTxn) Commit() error {
	return w.batch.Commit(pebble.Sync)
}

func (w *pebbleWriteTxn) Close() error { return w.batch.Close() }

func (k *PebbleKV) BeginWrite(name string) (WriteTxn, error) {
	db, err := k.dbFor(name)
	if err != nil {
		return nil, err
	}
	return &pebbleWriteTxn{db: db, batch: db.NewBatch()}, nil
}

func (k *PebbleKV) PersistedRound(shard int) (uint64, error) {
	db, err := k.dbFor(metaDBName)
	if err != nil {
		return 0, nil // no metadata db yet => nothing persisted
	}
	v, closer, err := db.Get(persistedRoundKey(shard))
	if err == pebble.ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(v), nil
}

func (k *PebbleKV) SetPersistedRound(shard int, r uint64) error {
	if err := k.OpenDB(metaDBName); err != nil {
		return err
	}
	db, err := k.dbFor(metaDBName)
	if err != nil {
		return err
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], r)
	return db.Set(persistedRoundKey(shard), b[:], pebble.Sync)
}

// metaDBName holds the per-shard "persisted block" records and the
// once-persisted shard hash key (spec §6).
const metaDBName = "meta"

// All returns every key/value pair in db, for the ReplayLoader's full-state
// load (spec §4.17). Grounded on the teacher's use of pebble.Iterator in
// pkg/storage for range scans.
func (k *PebbleKV) All(name string) (map[string][]byte, error) {
	db, err := k.dbFor(name)
	if err != nil {
		return nil, err
	}
	iter, err := db.NewIter(nil)
	if err != nil {
		return nil, fmt.Errorf("persistence: scan db %q: %w", name, err)
	}
	defer iter.Close()

	out := make(map[string][]byte)
	for iter.First(); iter.Valid(); iter.Next() {
		out[string(iter.Key())] = append([]byte(nil), iter.Value()...)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("persistence: iterate db %q: %w", name, err)
	}
	return out, nil
}

func (k *PebbleKV) Sync() error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	for name, db := range k.dbs {
		if err := db.Flush(); err != nil {
			return fmt.Errorf("persistence: sync db %q: %w", name, err)
		}
	}
	return nil
}

func (k *PebbleKV) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for name, db := range k.dbs {
		if err := db.Close(); err != nil {
			return fmt.Errorf("persistence: close db %q: %w", name, err)
		}
	}
	k.dbs = make(map[string]*pebble.DB)
	return nil
}

// SaveHashKey persists the account database's shard-routing hash key
// (spec §4.4, §6: "the short-hash key is persisted once, under 'hash
// key'").
func (k *PebbleKV) SaveHashKey(key [32]byte) error {
	if err := k.OpenDB(metaDBName); err != nil {
		return err
	}
	db, err := k.dbFor(metaDBName)
	if err != nil {
		return err
	}
	return db.Set(hashKeyRecordKey(), key[:], pebble.Sync)
}

// LoadHashKey loads the persisted shard-routing hash key, returning
// ok=false if genesis has not run yet.
func (k *PebbleKV) LoadHashKey() (key [32]byte, ok bool, err error) {
	db, derr := k.dbFor(metaDBName)
	if derr != nil {
		return key, false, nil
	}
	v, closer, gerr := db.Get(hashKeyRecordKey())
	if gerr == pebble.ErrNotFound {
		return key, false, nil
	}
	if gerr != nil {
		return key, false, gerr
	}
	defer closer.Close()
	copy(key[:], v)
	return key, true, nil
}

var _ KVStore = (*PebbleKV)(nil)
