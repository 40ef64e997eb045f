package headerchain

import "testing"

func TestInsertAndLookup(t *testing.T) {
	c := New()
	c.InsertForProduction(1, [32]byte{1})
	c.InsertForProduction(2, [32]byte{2})

	h, ok := c.Lookup(1)
	if !ok || h != [32]byte{1} {
		t.Fatalf("round 1 = %x, %v", h, ok)
	}
	if _, ok := c.Lookup(3); ok {
		t.Fatal("round 3 should not exist")
	}
}

func TestRollbackToCommittedRound(t *testing.T) {
	c := New()
	c.InsertForProduction(1, [32]byte{1})
	c.InsertForProduction(2, [32]byte{2})
	c.InsertForProduction(3, [32]byte{3})

	c.RollbackToCommittedRound(1)

	if _, ok := c.Lookup(2); ok {
		t.Fatal("round 2 should have been trimmed")
	}
	if _, ok := c.Lookup(3); ok {
		t.Fatal("round 3 should have been trimmed")
	}
	if h, ok := c.Lookup(1); !ok || h != [32]byte{1} {
		t.Fatal("round 1 should survive rollback")
	}
}

func TestHashDeterministic(t *testing.T) {
	a := New()
	a.InsertForProduction(1, [32]byte{1})
	a.InsertForProduction(2, [32]byte{2})

	b := New()
	b.InsertForProduction(2, [32]byte{2})
	b.InsertForProduction(1, [32]byte{1})

	if a.Hash() != b.Hash() {
		t.Fatal("hash must not depend on insertion order")
	}
}

func TestEmptyChainSize(t *testing.T) {
	c := New()
	if c.Size() != 0 {
		t.Fatalf("expected empty chain, got size %d", c.Size())
	}
}
