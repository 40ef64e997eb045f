package persistence

import "sync"

// MemKV is an in-memory KVStore, grounded on the teacher's
// InMemoryBlockStore (pkg/storage/blockstore.go): same map-of-maps shape,
// same mutex-guarded access, used here so pipeline and replay tests don't
// need a real Pebble database on disk.
type MemKV struct {
	mu             sync.Mutex
	dbs            map[string]map[string][]byte
	persistedRound map[int]uint64
}

// NewMemKV constructs an empty in-memory store.
func NewMemKV() *MemKV {
	return &MemKV{
		dbs:            make(map[string]map[string][]byte),
		persistedRound: make(map[int]uint64),
	}
}

func (m *MemKV) Open(path string) error { return nil }

func (m *MemKV) CreateDB(name string) error { return m.OpenDB(name) }

func (m *MemKV) OpenDB(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dbs[name]; !ok {
		m.dbs[name] = make(map[string][]byte)
	}
	return nil
}

type memReadTxn struct {
	m    *MemKV
	snap map[string][]byte
}

func (r *memReadTxn) Get(key []byte) ([]byte, error) {
	v, ok := r.snap[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (r *memReadTxn) Close() error { return nil }

func (m *MemKV) BeginRead(name string) (ReadTxn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.dbs[name]
	if !ok {
		return nil, ErrNotFound
	}
	snap := make(map[string][]byte, len(db))
	for k, v := range db {
		snap[k] = v
	}
	return &memReadTxn{m: m, snap: snap}, nil
}

type memWriteTxn struct {
	m      *MemKV
	name   string
	writes map[string][]byte
}

func (w *memWriteTxn) Get(key []byte) ([]byte, error) {
	if v, ok := w.writes[string(key)]; ok {
		return append([]byte(nil), v...), nil
	}
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	v, ok := w.m.dbs[w.name][string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (w *memWriteTxn) Put(key, val []byte) error {
	w.writes[string(key)] = append([]byte(nil), val...)
	return nil
}

func (w *memWriteTxn) Commit() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	db := w.m.dbs[w.name]
	for k, v := range w.writes {
		db[k] = v
	}
	return nil
}

func (w *memWriteTxn) Close() error { return nil }

func (m *MemKV) BeginWrite(name string) (WriteTxn, error) {
	m.mu.Lock()
	_, ok := m.dbs[name]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return &memWriteTxn{m: m, name: name, writes: make(map[string][]byte)}, nil
}

func (m *MemKV) PersistedRound(shard int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistedRound[shard], nil
}

func (m *MemKV) SetPersistedRound(shard int, r uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistedRound[shard] = r
	return nil
}

func (m *MemKV) All(name string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	db, ok := m.dbs[name]
	if !ok {
		return nil, ErrNotFound
	}
	out := make(map[string][]byte, len(db))
	for k, v := range db {
		out[k] = append([]byte(nil), v...)
	}
	return out, nil
}

func (m *MemKV) Sync() error { return nil }

func (m *MemKV) Close() error { return nil }

var _ KVStore = (*MemKV)(nil)
