// Package asset implements C1 RevertableAsset: a per-(account,asset)
// balance with tentative/committed halves and checked-overflow, bounded
// semantics. Balances use relaxed atomics throughout — correctness is
// re-checked under an exclusive lock in check_valid_state, so no ordering
// with other goroutines' observations is required (spec §4.1, §9).
package asset

import (
	"math"
	"sync/atomic"
)

// Asset holds the available (tentative) and committed balances for one
// account/asset pair.
type Asset struct {
	available atomic.Int64
	committed int64 // only ever touched under the owning account's lock
}

// New constructs an Asset with both halves at the given starting balance.
func New(starting int64) *Asset {
	a := &Asset{committed: starting}
	a.available.Store(starting)
	return a
}

// Transfer unconditionally adds delta to the available balance (spec §4.1:
// "transfer(delta) unconditional ... relaxed atomic fetch-add"). Callers
// that need overflow protection should use TryTransfer instead.
func (a *Asset) Transfer(delta int64) {
	a.available.Add(delta)
}

// Escrow adds delta unconditionally, exactly like Transfer; call sites that
// lock up funds pass a negative delta (spec §4.1).
func (a *Asset) Escrow(delta int64) {
	a.available.Add(delta)
}

// addOverflows reports whether a+b overflows int64.
func addOverflows(a, b int64) bool {
	sum := a + b
	return ((a ^ sum) & (b ^ sum)) < 0
}

// TryTransfer adds delta to the available balance. A non-negative delta
// always succeeds (spec §4.1: "if delta ≥ 0 returns true and adds"); a
// negative delta goes through a CAS loop that rejects, without modifying
// state, if the addition would overflow or drive the balance negative.
func (a *Asset) TryTransfer(delta int64) bool {
	if delta >= 0 {
		a.available.Add(delta)
		return true
	}
	for {
		cur := a.available.Load()
		if addOverflows(cur, delta) {
			return false
		}
		next := cur + delta
		if next < 0 {
			return false
		}
		if a.available.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// TryEscrow is try_transfer(-delta) with a guard against delta == MinInt64,
// whose negation itself overflows (spec §4.1).
func (a *Asset) TryEscrow(delta int64) bool {
	if delta == math.MinInt64 {
		return false
	}
	return a.TryTransfer(-delta)
}

// Commit copies available into committed (spec §4.1). Must be called while
// the owning account's exclusive lock is held.
func (a *Asset) Commit() {
	a.committed = a.available.Load()
}

// Rollback restores available from committed, discarding any tentative
// changes made this round (spec §4.1). Must be called under the owning
// account's exclusive lock.
func (a *Asset) Rollback() {
	a.available.Store(a.committed)
}

// Available returns the current tentative balance.
func (a *Asset) Available() int64 { return a.available.Load() }

// Committed returns the last-committed balance.
func (a *Asset) Committed() int64 { return a.committed }

// InValidState reports whether the tentative balance is non-negative
// (spec §4.1 in_valid_state).
func (a *Asset) InValidState() bool { return a.available.Load() >= 0 }

// CommittedValid reports whether the committed balance is non-negative;
// used by check_valid_state (C4) after a tentative commit.
func (a *Asset) CommittedValid() bool { return a.committed >= 0 }
