// Package mempool implements C15 Mempool: a chunked, lock-light pool of
// pending signed transactions with a background filter that drops
// transactions whose sequence number has already been committed.
package mempool

import (
	"sync"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// TargetChunkSize is the nominal number of transactions per chunk
// (spec §4.15).
const TargetChunkSize = 256

// Chunk is a fixed-capacity slice of pending transactions with a
// same-length removal bitmap, compacted in place by RemoveConfirmed.
type Chunk struct {
	Txs     []*xdr.SignedTransaction
	removed []bool
}

func newChunk(cap int) *Chunk {
	return &Chunk{Txs: make([]*xdr.SignedTransaction, 0, cap), removed: make([]bool, 0, cap)}
}

func (c *Chunk) push(tx *xdr.SignedTransaction) {
	c.Txs = append(c.Txs, tx)
	c.removed = append(c.removed, false)
}

// MarkRemoved flags index i in this chunk for removal on the next compact.
func (c *Chunk) MarkRemoved(i int) {
	if i >= 0 && i < len(c.removed) {
		c.removed[i] = true
	}
}

// compact drops every flagged transaction, preserving relative order.
func (c *Chunk) compact() {
	kept := c.Txs[:0]
	keptFlags := c.removed[:0]
	for i, tx := range c.Txs {
		if !c.removed[i] {
			kept = append(kept, tx)
			keptFlags = append(keptFlags, false)
		}
	}
	c.Txs = kept
	c.removed = keptFlags
}

// Mempool is C15: a chunked vector of pending transactions plus a
// single-lock intake buffer that's swapped into the main pool
// periodically (spec §4.15).
type Mempool struct {
	intakeMu sync.Mutex
	intake   []*xdr.SignedTransaction

	mu     sync.RWMutex
	chunks []*Chunk
}

// New constructs an empty Mempool.
func New() *Mempool {
	return &Mempool{}
}

// Push appends tx to the intake buffer (spec §4.15: "adds go to an intake
// buffer (one lock)").
func (m *Mempool) Push(tx *xdr.SignedTransaction) {
	m.intakeMu.Lock()
	m.intake = append(m.intake, tx)
	m.intakeMu.Unlock()
}

// PushBufferToMempool swaps the intake buffer into the chunked pool under
// the main pool's lock (spec §4.15 push_buffer_to_mempool).
func (m *Mempool) PushBufferToMempool() {
	m.intakeMu.Lock()
	drained := m.intake
	m.intake = nil
	m.intakeMu.Unlock()

	if len(drained) == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var cur *Chunk
	if n := len(m.chunks); n > 0 && len(m.chunks[n-1].Txs) < TargetChunkSize {
		cur = m.chunks[n-1]
	} else {
		cur = newChunk(TargetChunkSize)
		m.chunks = append(m.chunks, cur)
	}
	for _, tx := range drained {
		if len(cur.Txs) >= TargetChunkSize {
			cur = newChunk(TargetChunkSize)
			m.chunks = append(m.chunks, cur)
		}
		cur.push(tx)
	}
}

// Snapshot returns the current chunks for a worker pool to partition over
// (spec §4.12 propose() step 1: "freeze a mempool snapshot"). The returned
// slice shares the underlying Chunk pointers; callers must not mutate Txs
// directly, only record removals via MarkRemoved on the chunk index
// returned from the snapshot.
func (m *Mempool) Snapshot() []*Chunk {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Chunk, len(m.chunks))
	copy(out, m.chunks)
	return out
}

// RemoveConfirmed compacts every chunk in parallel, dropping every
// transaction flagged via Chunk.MarkRemoved (spec §4.15
// remove_confirmed_txs).
func (m *Mempool) RemoveConfirmed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var wg sync.WaitGroup
	for _, c := range m.chunks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.compact()
		}()
	}
	wg.Wait()
}

// JoinSmallChunks defragments by merging adjacent under-filled chunks
// (spec §4.15 join_small_chunks).
func (m *Mempool) JoinSmallChunks() {
	m.mu.Lock()
	defer m.mu.Unlock()
	var merged []*Chunk
	for _, c := range m.chunks {
		if len(merged) > 0 {
			last := merged[len(merged)-1]
			if len(last.Txs)+len(c.Txs) <= TargetChunkSize {
				last.Txs = append(last.Txs, c.Txs...)
				last.removed = append(last.removed, c.removed...)
				continue
			}
		}
		merged = append(merged, c)
	}
	m.chunks = merged
}

// Filter is the background MempoolFilter: it removes every transaction
// whose source account's last-committed sequence number is already at or
// above the transaction's own sequence number (spec §4.15).
func Filter(m *Mempool, db *account.Database) {
	m.mu.RLock()
	chunks := make([]*Chunk, len(m.chunks))
	copy(chunks, m.chunks)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range chunks {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i, tx := range c.Txs {
				a, ok := db.Lookup(tx.Tx.Metadata.Source)
				if !ok {
					continue
				}
				if a.Seq.LastCommitted() >= tx.Tx.Metadata.Seq {
					c.MarkRemoved(i)
				}
			}
		}()
	}
	wg.Wait()
	m.RemoveConfirmed()
}

// Len returns the total number of pending transactions across all chunks.
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.chunks {
		n += len(c.Txs)
	}
	return n
}
