// Package difflog implements C18 HashLog/TransferLog: a pair of in-memory
// ring buffers recording trie-hash events and account balance transfers,
// purely for offline debugging and metrics. Nothing here feeds back into
// consensus-relevant state; every method is a no-op when the log is
// disabled (spec §4.18).
package difflog

import "github.com/speedex-labs/batchengine/pkg/types"

// HashEvent records one trie's root hash at a point in the round, keyed by
// a human-readable prefix naming which trie produced it.
type HashEvent struct {
	Prefix string
	Hash   [32]byte
	Round  types.Round
}

// TransferReason labels why a TransferEvent happened, for grouping in
// offline analysis.
type TransferReason string

const (
	ReasonPayment      TransferReason = "payment"
	ReasonFee          TransferReason = "fee"
	ReasonOfferEscrow  TransferReason = "offer_escrow"
	ReasonOfferRefund  TransferReason = "offer_refund"
	ReasonClearingFill TransferReason = "clearing_fill"
	ReasonMoneyPrinter TransferReason = "money_printer"
)

// TransferEvent records one balance delta applied to one account/asset.
type TransferEvent struct {
	Account types.AccountID
	Asset   types.AssetID
	Delta   int64
	Reason  TransferReason
	Round   types.Round
}

// ring is a fixed-capacity circular buffer; once full, the oldest entry is
// overwritten (spec §4.18: "bounded memory, most-recent-wins").
type ring[T any] struct {
	buf   []T
	next  int
	count int
}

func newRing[T any](capacity int) ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// snapshot returns every live entry in insertion order.
func (r *ring[T]) snapshot() []T {
	out := make([]T, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Log is the difflog facility: disabled by construction unless enabled is
// true, in which case it records into two bounded ring buffers.
type Log struct {
	enabled  bool
	hashes   ring[HashEvent]
	transfers ring[TransferEvent]
}

// New constructs a Log. When enabled is false, RecordHash/RecordTransfer
// are cheap no-ops (a single branch, no allocation).
func New(enabled bool, capacity int) *Log {
	if !enabled {
		return &Log{enabled: false}
	}
	return &Log{enabled: true, hashes: newRing[HashEvent](capacity), transfers: newRing[TransferEvent](capacity)}
}

// RecordHash appends a trie-hash event.
func (l *Log) RecordHash(prefix string, hash [32]byte, round types.Round) {
	if !l.enabled {
		return
	}
	l.hashes.push(HashEvent{Prefix: prefix, Hash: hash, Round: round})
}

// RecordTransfer appends a balance-transfer event.
func (l *Log) RecordTransfer(account types.AccountID, asset types.AssetID, delta int64, reason TransferReason, round types.Round) {
	if !l.enabled {
		return
	}
	l.transfers.push(TransferEvent{Account: account, Asset: asset, Delta: delta, Reason: reason, Round: round})
}

// Enabled reports whether this Log is actually recording.
func (l *Log) Enabled() bool { return l.enabled }

// DrainHashes returns every retained hash event and clears the buffer,
// used once per round by callers that want a per-round slice rather than a
// running window (spec §6 domain-stack addition: "drained to a per-round
// slice the engine can expose").
func (l *Log) DrainHashes() []HashEvent {
	if !l.enabled {
		return nil
	}
	out := l.hashes.snapshot()
	l.hashes = newRing[HashEvent](len(l.hashes.buf))
	return out
}

// DrainTransfers returns every retained transfer event and clears the
// buffer.
func (l *Log) DrainTransfers() []TransferEvent {
	if !l.enabled {
		return nil
	}
	out := l.transfers.snapshot()
	l.transfers = newRing[TransferEvent](len(l.transfers.buf))
	return out
}
