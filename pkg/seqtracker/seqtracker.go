// Package seqtracker implements C2 SequenceTracker: a per-account
// at-most-once sequence-number reservation window covering one block.
//
// The window is [lastCommitted+stride, lastCommitted+stride*K], represented
// as a bit-packed atomic vector of K bits (spec §4.2). Bit operations use
// relaxed atomics: no ordering with balance updates is required because
// every transaction reserves its sequence number before it spends anything
// (spec §9).
package seqtracker

import (
	"sync/atomic"

	"github.com/speedex-labs/batchengine/pkg/types"
)

const (
	// Stride is the spacing between representable sequence numbers in the
	// window (spec's "256" — every tx's seq must be a multiple of Stride,
	// matching OfferID's reserved low byte in pkg/types).
	Stride = types.SeqStride
	// bitsPerWord is the number of window slots held by one bitmap word.
	bitsPerWord = 64
)

// Result enumerates the outcomes of Reserve.
type Result int

const (
	ReserveOK Result = iota
	ReserveTooLow
	ReserveTooHigh
	ReserveInUse
)

// Tracker is a fixed-size reservation window of K*Stride sequence numbers
// above lastCommitted.
type Tracker struct {
	k             int
	words         []atomic.Uint64
	lastCommitted atomic.Uint64
}

// New constructs a Tracker with a window of k*Stride sequence numbers.
func New(k int) *Tracker {
	nWords := (k + bitsPerWord - 1) / bitsPerWord
	return &Tracker{k: k, words: make([]atomic.Uint64, nWords)}
}

func (t *Tracker) offset(seq uint64) (int, bool) {
	last := t.lastCommitted.Load()
	if seq <= last {
		return 0, false
	}
	rel := seq - last
	if rel%Stride != 0 {
		return 0, false
	}
	idx := int(rel/Stride) - 1
	return idx, idx >= 0 && idx < t.k
}

// Reserve sets the bit for seq, failing TOO_LOW/TOO_HIGH/IN_USE per spec
// §4.2.
func (t *Tracker) Reserve(seq uint64) Result {
	last := t.lastCommitted.Load()
	if seq <= last {
		return ReserveTooLow
	}
	rel := seq - last
	idx := int(rel/Stride) - 1
	if rel%Stride != 0 || idx < 0 || idx >= t.k {
		return ReserveTooHigh
	}
	word, bit := idx/bitsPerWord, uint(idx%bitsPerWord)
	mask := uint64(1) << bit
	for {
		cur := t.words[word].Load()
		if cur&mask != 0 {
			return ReserveInUse
		}
		if t.words[word].CompareAndSwap(cur, cur|mask) {
			return ReserveOK
		}
	}
}

// Release clears the bit for a previously reserved seq above lastCommitted.
// Releasing a seq that was never reserved, or one at or below
// lastCommitted, is a caller error and is a no-op here.
func (t *Tracker) Release(seq uint64) {
	idx, ok := t.offset(seq)
	if !ok {
		return
	}
	word, bit := idx/bitsPerWord, uint(idx%bitsPerWord)
	mask := uint64(1) << bit
	for {
		cur := t.words[word].Load()
		if t.words[word].CompareAndSwap(cur, cur&^mask) {
			return
		}
	}
}

// highestSetBit returns the highest set bit index across all words, or -1
// if the vector is empty.
func (t *Tracker) highestSetBit() int {
	for w := len(t.words) - 1; w >= 0; w-- {
		v := t.words[w].Load()
		if v == 0 {
			continue
		}
		for b := bitsPerWord - 1; b >= 0; b-- {
			if v&(uint64(1)<<uint(b)) != 0 {
				return w*bitsPerWord + b
			}
		}
	}
	return -1
}

// Commit advances lastCommitted by stride*(highestSetBitIndex+1) and clears
// the vector (spec §4.2). A call with no reservations set is a no-op on
// lastCommitted.
func (t *Tracker) Commit() {
	h := t.highestSetBit()
	if h >= 0 {
		t.lastCommitted.Add(Stride * uint64(h+1))
	}
	t.clear()
}

// Rollback discards all reservations made this round without advancing
// lastCommitted (spec §4.2).
func (t *Tracker) Rollback() {
	t.clear()
}

func (t *Tracker) clear() {
	for i := range t.words {
		t.words[i].Store(0)
	}
}

// LastCommitted returns the last-committed sequence number.
func (t *Tracker) LastCommitted() uint64 {
	return t.lastCommitted.Load()
}

// SetLastCommitted installs v as the committed baseline directly, without
// replaying individual reservations. Used by genesis install and the
// ReplayLoader (spec §4.17), which restore an account's persisted
// AccountCommitment.LastCommitted rather than reconstructing the bit
// vector of a round that is already fully committed.
func (t *Tracker) SetLastCommitted(v uint64) {
	t.lastCommitted.Store(v)
	t.clear()
}
