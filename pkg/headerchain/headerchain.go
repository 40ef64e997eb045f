// Package headerchain implements C13 HeaderHashMap: a trie from round
// number to block hash, used to authenticate chain continuity. Its root
// hash enters every block header alongside the account and orderbook
// commitments (spec §4.13).
package headerchain

import (
	"encoding/binary"
	"sync"

	"github.com/speedex-labs/batchengine/pkg/trie"
	"github.com/speedex-labs/batchengine/pkg/types"
)

func hashFn(h [32]byte) []byte            { return h[:] }
func keepIncoming(_, incoming [32]byte) [32]byte { return incoming }

// Chain is C13: round -> block hash.
type Chain struct {
	mu sync.Mutex
	t  *trie.Trie[[32]byte]
}

// New constructs an empty chain.
func New() *Chain {
	return &Chain{t: trie.New(hashFn, keepIncoming)}
}

func roundKey(r types.Round) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(r))
	return b[:]
}

// InsertForProduction records round -> hash on block commit (spec §4.13).
func (c *Chain) InsertForProduction(round types.Round, hash [32]byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t.Insert(roundKey(round), hash)
}

// Lookup returns the recorded hash for round, if any.
func (c *Chain) Lookup(round types.Round) ([32]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Get(roundKey(round))
}

// RollbackToCommittedRound trims every entry for a round greater than r
// (spec §4.13 rollback_to_committed_round).
func (c *Chain) RollbackToCommittedRound(r types.Round) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var stale [][]byte
	c.t.ApplyToKeys(func(key []byte, _ [32]byte) {
		round := types.Round(binary.BigEndian.Uint64(key))
		if round > r {
			stale = append(stale, append([]byte(nil), key...))
		}
	})
	for _, key := range stale {
		c.t.PerformDeletion(key)
	}
}

// Hash returns the chain trie's root commitment, carried in the block
// header's stateRootHashes.headerMap (spec §3, §6).
func (c *Chain) Hash() [32]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Hash()
}

// Size returns the number of recorded rounds.
func (c *Chain) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t.Size()
}
