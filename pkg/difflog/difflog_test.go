package difflog

import (
	"testing"

	"github.com/speedex-labs/batchengine/pkg/types"
)

func TestDisabledLogIsNoop(t *testing.T) {
	l := New(false, 10)
	l.RecordHash("accounts", [32]byte{1}, 1)
	l.RecordTransfer(1, 0, 100, ReasonPayment, 1)
	if l.Enabled() {
		t.Fatalf("Enabled() = true, want false")
	}
	if got := l.DrainHashes(); got != nil {
		t.Fatalf("DrainHashes() = %v, want nil", got)
	}
}

func TestRingBufferWrapsAtCapacity(t *testing.T) {
	l := New(true, 3)
	for i := types.Round(0); i < 5; i++ {
		l.RecordHash("accounts", [32]byte{byte(i)}, i)
	}
	events := l.DrainHashes()
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	// Oldest two (round 0, 1) were overwritten; rounds 2,3,4 survive in order.
	for i, want := range []byte{2, 3, 4} {
		if events[i].Hash[0] != want {
			t.Fatalf("events[%d].Hash[0] = %d, want %d", i, events[i].Hash[0], want)
		}
	}
}

func TestDrainClearsBuffer(t *testing.T) {
	l := New(true, 10)
	l.RecordTransfer(1, 0, 50, ReasonFee, 1)
	if got := l.DrainTransfers(); len(got) != 1 {
		t.Fatalf("first drain len = %d, want 1", len(got))
	}
	if got := l.DrainTransfers(); len(got) != 0 {
		t.Fatalf("second drain len = %d, want 0", len(got))
	}
}
