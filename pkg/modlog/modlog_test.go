package modlog

import (
	"context"
	"testing"

	"github.com/speedex-labs/batchengine/pkg/types"
)

func TestRecordAndDirtyAccounts(t *testing.T) {
	l := New()
	l.Record(1, TxRef{Source: 1, Seq: 256})
	l.Record(2, TxRef{Source: 2, Seq: 512})
	l.Record(1, TxRef{Source: 1, Seq: 768})

	ids := l.DirtyAccounts()
	if len(ids) != 2 {
		t.Fatalf("DirtyAccounts() len = %d, want 2", len(ids))
	}
	if ids[0] != 1 || ids[1] != 2 {
		t.Fatalf("DirtyAccounts() = %v, want [1 2]", ids)
	}
}

func TestRecordUnionsEntries(t *testing.T) {
	l := New()
	l.Record(1, TxRef{Source: 1, Seq: 256})
	l.Record(1, TxRef{Source: 1, Seq: 512})

	var gotRefs []TxRef
	l.ParallelIterate(context.Background(), func(id types.AccountID, refs []TxRef) error {
		if id == 1 {
			gotRefs = refs
		}
		return nil
	})
	if len(gotRefs) != 2 {
		t.Fatalf("account 1 has %d refs, want 2", len(gotRefs))
	}
}

func TestCheckoutAndBatchMergeIn(t *testing.T) {
	main := New()
	w1 := main.Checkout()
	w2 := main.Checkout()
	w1.Record(1, TxRef{Source: 1, Seq: 256})
	w2.Record(2, TxRef{Source: 2, Seq: 256})

	main.BatchMergeIn([]*Log{w1, w2})
	if got := main.Size(); got != 2 {
		t.Fatalf("Size() after batch merge = %d, want 2", got)
	}
}

func TestAccumulateParallel(t *testing.T) {
	l := New()
	l.Record(1, TxRef{Source: 1, Seq: 256})
	l.Record(2, TxRef{Source: 2, Seq: 256})
	l.Record(2, TxRef{Source: 2, Seq: 512})

	counts, err := AccumulateParallel(context.Background(), l, func(id types.AccountID, refs []TxRef) int {
		return len(refs)
	})
	if err != nil {
		t.Fatalf("AccumulateParallel: %v", err)
	}
	total := 0
	for _, c := range counts {
		total += c
	}
	if total != 3 {
		t.Fatalf("total entries = %d, want 3", total)
	}
}

func TestHashStableAcrossMergeOrder(t *testing.T) {
	a := New()
	a.Record(1, TxRef{Source: 1, Seq: 256})
	a.Record(2, TxRef{Source: 2, Seq: 256})

	b := New()
	b.Record(2, TxRef{Source: 2, Seq: 256})
	b.Record(1, TxRef{Source: 1, Seq: 256})

	if a.Hash() != b.Hash() {
		t.Fatalf("hash depends on record order")
	}
}
