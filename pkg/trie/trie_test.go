package trie

import (
	"fmt"
	"math/rand"
	"testing"
)

func hashString(s string) []byte { return []byte(s) }
func mergeKeepIncoming(existing, incoming string) string { return incoming }

func newStringTrie() *Trie[string] {
	return New(hashString, mergeKeepIncoming)
}

func keyFor(i int) []byte {
	return []byte(fmt.Sprintf("key-%08d", i))
}

func TestInsertAndGet(t *testing.T) {
	tr := newStringTrie()
	tr.Insert(keyFor(1), "one")
	tr.Insert(keyFor(2), "two")
	tr.Insert(keyFor(3), "three")

	if v, ok := tr.Get(keyFor(2)); !ok || v != "two" {
		t.Fatalf("Get(2) = %q, %v; want two, true", v, ok)
	}
	if _, ok := tr.Get(keyFor(99)); ok {
		t.Fatalf("Get(99) found unexpected value")
	}
	if got := tr.Size(); got != 3 {
		t.Fatalf("Size() = %d, want 3", got)
	}
}

func TestInsertOverwriteMerges(t *testing.T) {
	tr := newStringTrie()
	tr.Insert(keyFor(1), "one")
	tr.Insert(keyFor(1), "uno")
	if v, _ := tr.Get(keyFor(1)); v != "uno" {
		t.Fatalf("Get after overwrite = %q, want uno", v)
	}
	if got := tr.Size(); got != 1 {
		t.Fatalf("Size() after overwrite = %d, want 1", got)
	}
}

func TestDeletion(t *testing.T) {
	tr := newStringTrie()
	for i := 0; i < 10; i++ {
		tr.Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}
	if v, ok := tr.PerformDeletion(keyFor(5)); !ok || v != "v5" {
		t.Fatalf("PerformDeletion(5) = %q, %v; want v5, true", v, ok)
	}
	if _, ok := tr.Get(keyFor(5)); ok {
		t.Fatalf("key 5 still present after deletion")
	}
	if got := tr.Size(); got != 9 {
		t.Fatalf("Size() after deletion = %d, want 9", got)
	}
}

func TestMarkAndPerformMarkedDeletions(t *testing.T) {
	tr := newStringTrie()
	for i := 0; i < 20; i++ {
		tr.Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}
	for i := 0; i < 20; i += 2 {
		if !tr.MarkForDeletion(keyFor(i)) {
			t.Fatalf("MarkForDeletion(%d) returned false", i)
		}
	}
	// Marked keys are hidden from Get even before the sweep runs.
	if _, ok := tr.Get(keyFor(4)); ok {
		t.Fatalf("marked key visible via Get before sweep")
	}

	removed := tr.PerformMarkedDeletions()
	if removed != 10 {
		t.Fatalf("PerformMarkedDeletions() = %d, want 10", removed)
	}
	if got := tr.Size(); got != 10 {
		t.Fatalf("Size() after sweep = %d, want 10", got)
	}
	for i := 1; i < 20; i += 2 {
		if _, ok := tr.Get(keyFor(i)); !ok {
			t.Fatalf("odd key %d missing after sweep", i)
		}
	}
}

func TestApplyToKeysIsSorted(t *testing.T) {
	tr := newStringTrie()
	order := []int{7, 2, 9, 0, 5, 3}
	for _, i := range order {
		tr.Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}
	var seen [][]byte
	tr.ApplyToKeys(func(key []byte, _ string) {
		seen = append(seen, append([]byte(nil), key...))
	})
	for i := 1; i < len(seen); i++ {
		if string(seen[i-1]) >= string(seen[i]) {
			t.Fatalf("ApplyToKeys not sorted at %d: %q >= %q", i, seen[i-1], seen[i])
		}
	}
}

func TestHashIndependentOfInsertionOrder(t *testing.T) {
	const n = 200
	perm1 := rand.New(rand.NewSource(1)).Perm(n)
	perm2 := rand.New(rand.NewSource(2)).Perm(n)

	tr1 := newStringTrie()
	for _, i := range perm1 {
		tr1.Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}
	tr2 := newStringTrie()
	for _, i := range perm2 {
		tr2.Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}

	if tr1.Hash() != tr2.Hash() {
		t.Fatalf("hash depends on insertion order")
	}
}

func TestHashChangesWithContent(t *testing.T) {
	tr := newStringTrie()
	tr.Insert(keyFor(1), "one")
	h1 := tr.Hash()
	tr.Insert(keyFor(2), "two")
	h2 := tr.Hash()
	if h1 == h2 {
		t.Fatalf("hash did not change after insert")
	}
}

func TestMergeInDisjointKeys(t *testing.T) {
	tr := newStringTrie()
	tr.Insert(keyFor(1), "one")
	tr.Insert(keyFor(2), "two")

	local := tr.Checkout()
	local.Insert(keyFor(3), "three")
	local.Insert(keyFor(4), "four")

	tr.MergeIn(local)

	if got := tr.Size(); got != 4 {
		t.Fatalf("Size() after merge = %d, want 4", got)
	}
	if v, ok := tr.Get(keyFor(4)); !ok || v != "four" {
		t.Fatalf("Get(4) after merge = %q, %v", v, ok)
	}
	if local.Size() != 0 {
		t.Fatalf("source trie not emptied after merge")
	}
}

func TestBatchMergeInMatchesSequentialInsert(t *testing.T) {
	reference := newStringTrie()
	for i := 0; i < 100; i++ {
		reference.Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}

	main := newStringTrie()
	const workers = 4
	locals := make([]*Trie[string], workers)
	for w := 0; w < workers; w++ {
		locals[w] = main.Checkout()
	}
	for i := 0; i < 100; i++ {
		locals[i%workers].Insert(keyFor(i), fmt.Sprintf("v%d", i))
	}
	main.BatchMergeIn(locals)

	if main.Hash() != reference.Hash() {
		t.Fatalf("batch-merged trie hash does not match sequential reference")
	}
}
