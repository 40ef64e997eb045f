package seqtracker

import "testing"

func TestReserveTooLow(t *testing.T) {
	tr := New(64)
	if got := tr.Reserve(0); got != ReserveTooLow {
		t.Fatalf("Reserve(0) = %v, want ReserveTooLow", got)
	}
}

func TestReserveTooHigh(t *testing.T) {
	tr := New(4)
	if got := tr.Reserve(Stride * 5); got != ReserveTooHigh {
		t.Fatalf("Reserve(stride*5) over window 4 = %v, want ReserveTooHigh", got)
	}
}

func TestReserveMisalignedIsTooHigh(t *testing.T) {
	tr := New(4)
	if got := tr.Reserve(Stride + 1); got != ReserveTooHigh {
		t.Fatalf("Reserve(misaligned) = %v, want ReserveTooHigh", got)
	}
}

func TestReserveOKThenInUse(t *testing.T) {
	tr := New(64)
	seq := uint64(Stride * 3)
	if got := tr.Reserve(seq); got != ReserveOK {
		t.Fatalf("first Reserve(%d) = %v, want OK", seq, got)
	}
	if got := tr.Reserve(seq); got != ReserveInUse {
		t.Fatalf("second Reserve(%d) = %v, want IN_USE", seq, got)
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	tr := New(64)
	seq := uint64(Stride * 3)
	tr.Reserve(seq)
	tr.Release(seq)
	if got := tr.Reserve(seq); got != ReserveOK {
		t.Fatalf("Reserve after Release = %v, want OK", got)
	}
}

func TestCommitAdvancesByHighestSetBit(t *testing.T) {
	tr := New(64)
	tr.Reserve(Stride * 1)
	tr.Reserve(Stride * 5)
	tr.Commit()
	if got := tr.LastCommitted(); got != Stride*5 {
		t.Fatalf("LastCommitted() = %d, want %d", got, Stride*5)
	}
	// window cleared: committing again with no reservations is a no-op.
	tr.Commit()
	if got := tr.LastCommitted(); got != Stride*5 {
		t.Fatalf("LastCommitted() changed after empty Commit: %d", got)
	}
}

func TestCommitWithNoReservationsIsNoop(t *testing.T) {
	tr := New(64)
	tr.Commit()
	if got := tr.LastCommitted(); got != 0 {
		t.Fatalf("LastCommitted() = %d, want 0", got)
	}
}

func TestRollbackDiscardsWithoutAdvancing(t *testing.T) {
	tr := New(64)
	tr.Reserve(Stride * 2)
	tr.Rollback()
	if got := tr.LastCommitted(); got != 0 {
		t.Fatalf("LastCommitted() = %d after rollback, want 0", got)
	}
	if got := tr.Reserve(Stride * 2); got != ReserveOK {
		t.Fatalf("Reserve after rollback = %v, want OK (slot freed)", got)
	}
}

func TestReserveAfterCommitUsesNewWindow(t *testing.T) {
	tr := New(64)
	tr.Reserve(Stride * 2)
	tr.Commit() // lastCommitted = Stride*2
	if got := tr.Reserve(Stride * 2); got != ReserveTooLow {
		t.Fatalf("Reserve(stride*2) after commit = %v, want TOO_LOW", got)
	}
	if got := tr.Reserve(Stride * 3); got != ReserveOK {
		t.Fatalf("Reserve(stride*3) after commit = %v, want OK", got)
	}
}

func TestHighBitAcrossWordBoundary(t *testing.T) {
	tr := New(128) // two 64-bit words
	tr.Reserve(Stride * 70)
	tr.Commit()
	if got := tr.LastCommitted(); got != Stride*70 {
		t.Fatalf("LastCommitted() = %d, want %d", got, Stride*70)
	}
}
