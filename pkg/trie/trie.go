// Package trie implements C5 AuthenticatedTrie: a generic ordered-prefix
// trie over byte-string keys supporting insertion, merging of worker-local
// tries, marked deletion, and parallel hashing, used by the account database (C4), every
// orderbook (C6), the modification log (C8), and the header chain (C13).
//
// Hashing depends only on the final set of keys and values, never on
// insertion order or worker count (spec §4.5's determinism requirement):
// every node mixes its compressed prefix, its value hash (if terminal), and
// its children's hashes in ascending child-byte order.
package trie

import (
	"context"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/speedex-labs/batchengine/pkg/xcrypto"
)

// MergeFunc combines an incoming value with an existing one at the same key
// (spec §4.5: e.g. the modification log unions tx lists; most tries have no
// real collisions and simply keep the incoming value).
type MergeFunc[V any] func(existing, incoming V) V

// HashFunc serializes a value to the bytes mixed into its node's hash.
type HashFunc[V any] func(v V) []byte

type node[V any] struct {
	prefix   []byte
	children map[byte]*node[V]

	hasValue bool
	value    V
	deleted  bool // marked for deletion (spec §4.5 mark_for_deletion)

	hashValid bool
	hash      [32]byte
	size      int // number of live (non-deleted) keys in this subtree
}

func newLeaf[V any](prefix []byte, value V) *node[V] {
	return &node[V]{prefix: prefix, hasValue: true, value: value, size: 1}
}

// Trie is a concurrency-safe authenticated radix trie. The zero value is not
// usable; construct with New.
type Trie[V any] struct {
	mu     sync.Mutex
	root   *node[V]
	merge  MergeFunc[V]
	hashFn HashFunc[V]

	// parallelism bounds concurrent goroutines spawned by Hash.
	parallelism int64
}

func New[V any](hashFn HashFunc[V], merge MergeFunc[V]) *Trie[V] {
	return &Trie[V]{
		merge:       merge,
		hashFn:      hashFn,
		parallelism: int64(runtime.GOMAXPROCS(0)),
	}
}

// commonPrefixLen returns the length of the shared prefix of a and b.
func commonPrefixLen(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

// Insert inserts key/value, merging with an existing value at the same key
// via the trie's MergeFunc (spec §4.5).
func (t *Trie[V]) Insert(key []byte, value V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.root = insert(t.root, key, value, t.merge)
}

func insert[V any](n *node[V], key []byte, value V, merge MergeFunc[V]) *node[V] {
	if n == nil {
		return newLeaf(key, value)
	}
	cp := commonPrefixLen(n.prefix, key)

	switch {
	case cp == len(n.prefix) && cp == len(key):
		// Exact match: merge values.
		if n.hasValue {
			n.value = merge(n.value, value)
		} else {
			n.value = value
		}
		n.hasValue = true
		n.deleted = false
		n.hashValid = false
		n.size = subtreeSize(n)
		return n

	case cp == len(n.prefix):
		// key extends past this node's prefix: recurse into the child
		// selected by the next byte.
		rest := key[cp:]
		if n.children == nil {
			n.children = make(map[byte]*node[V])
		}
		b := rest[0]
		n.children[b] = insert(n.children[b], rest, value, merge)
		n.hashValid = false
		n.size = subtreeSize(n)
		return n

	case cp == len(key):
		// key is a strict prefix of n.prefix: split n, new node takes the
		// value, old n becomes a child keyed by the first diverging byte.
		child := n
		child.prefix = n.prefix[cp:]
		child.hashValid = false
		parent := &node[V]{
			prefix:   key,
			hasValue: true,
			value:    value,
			children: map[byte]*node[V]{child.prefix[0]: child},
		}
		parent.size = subtreeSize(parent)
		return parent

	default:
		// Diverging prefixes: split at cp, create a branch node with two
		// children (old subtree and new leaf).
		oldChild := n
		oldChild.prefix = n.prefix[cp:]
		oldChild.hashValid = false
		newChild := newLeaf(key[cp:], value)
		branch := &node[V]{
			prefix: key[:cp],
			children: map[byte]*node[V]{
				oldChild.prefix[0]: oldChild,
				newChild.prefix[0]: newChild,
			},
		}
		branch.size = subtreeSize(branch)
		return branch
	}
}

func subtreeSize[V any](n *node[V]) int {
	sz := 0
	if n.hasValue && !n.deleted {
		sz = 1
	}
	for _, c := range n.children {
		sz += c.size
	}
	return sz
}

// Get returns the value stored at key, if any and not marked deleted.
func (t *Trie[V]) Get(key []byte) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	for n != nil {
		cp := commonPrefixLen(n.prefix, key)
		if cp < len(n.prefix) {
			var zero V
			return zero, false
		}
		key = key[cp:]
		if len(key) == 0 {
			if n.hasValue && !n.deleted {
				return n.value, true
			}
			var zero V
			return zero, false
		}
		if n.children == nil {
			var zero V
			return zero, false
		}
		n = n.children[key[0]]
	}
	var zero V
	return zero, false
}

// PerformDeletion removes key outright and returns its prior value, if any
// (spec §4.5 perform_deletion).
func (t *Trie[V]) PerformDeletion(key []byte) (V, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed V
	var ok bool
	t.root, removed, ok = deleteKey(t.root, key)
	return removed, ok
}

func deleteKey[V any](n *node[V], key []byte) (*node[V], V, bool) {
	var zero V
	if n == nil {
		return nil, zero, false
	}
	cp := commonPrefixLen(n.prefix, key)
	if cp < len(n.prefix) {
		return n, zero, false
	}
	rest := key[cp:]
	if len(rest) == 0 {
		if !n.hasValue {
			return n, zero, false
		}
		old := n.value
		n.hasValue = false
		n.hashValid = false
		n.size = subtreeSize(n)
		return collapse(n), old, true
	}
	if n.children == nil {
		return n, zero, false
	}
	b := rest[0]
	child, ok := n.children[b]
	if !ok {
		return n, zero, false
	}
	newChild, old, found := deleteKey(child, rest)
	if !found {
		return n, zero, false
	}
	if newChild == nil {
		delete(n.children, b)
	} else {
		n.children[b] = newChild
	}
	n.hashValid = false
	n.size = subtreeSize(n)
	return collapse(n), old, true
}

// collapse removes a now-empty node, or merges a node with its sole child
// to keep the trie path-compressed.
func collapse[V any](n *node[V]) *node[V] {
	if n.hasValue {
		return n
	}
	if len(n.children) == 0 {
		return nil
	}
	if len(n.children) == 1 {
		for _, c := range n.children {
			merged := &node[V]{
				prefix:   append(append([]byte(nil), n.prefix...), c.prefix...),
				children: c.children,
				hasValue: c.hasValue,
				value:    c.value,
				deleted:  c.deleted,
				size:     c.size,
			}
			return merged
		}
	}
	return n
}

// MarkForDeletion sets a metadata flag on key's node without structural
// change (spec §4.5 mark_for_deletion); PerformMarkedDeletions later removes
// every flagged key in one sequential pass.
func (t *Trie[V]) MarkForDeletion(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.root
	var path []*node[V]
	for n != nil {
		cp := commonPrefixLen(n.prefix, key)
		if cp < len(n.prefix) {
			return false
		}
		key = key[cp:]
		if len(key) == 0 {
			if !n.hasValue || n.deleted {
				return false
			}
			n.deleted = true
			for _, p := range append(path, n) {
				p.hashValid = false
				p.size--
			}
			return true
		}
		if n.children == nil {
			return false
		}
		path = append(path, n)
		n = n.children[key[0]]
	}
	return false
}

// PerformMarkedDeletions removes every key flagged by MarkForDeletion,
// restructuring the trie in one pass, and returns the number removed.
func (t *Trie[V]) PerformMarkedDeletions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed int
	t.root = sweepMarked(t.root, &removed)
	return removed
}

func sweepMarked[V any](n *node[V], removed *int) *node[V] {
	if n == nil {
		return nil
	}
	if n.hasValue && n.deleted {
		n.hasValue = false
		n.deleted = false
		n.hashValid = false
		*removed++
	}
	for b, c := range n.children {
		newC := sweepMarked(c, removed)
		if newC == nil {
			delete(n.children, b)
		} else {
			n.children[b] = newC
		}
	}
	n.size = subtreeSize(n)
	n.hashValid = false
	return collapse(n)
}

// ApplyToKeys visits every live key/value pair in ascending key order.
func (t *Trie[V]) ApplyToKeys(fn func(key []byte, value V)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	walk(t.root, nil, fn)
}

func walk[V any](n *node[V], prefix []byte, fn func(key []byte, value V)) {
	if n == nil {
		return
	}
	full := append(append([]byte(nil), prefix...), n.prefix...)
	if n.hasValue && !n.deleted {
		fn(full, n.value)
	}
	keys := sortedChildKeys(n)
	for _, b := range keys {
		walk(n.children[b], full, fn)
	}
}

func sortedChildKeys[V any](n *node[V]) []byte {
	if len(n.children) == 0 {
		return nil
	}
	keys := make([]byte, 0, len(n.children))
	for b := range n.children {
		keys = append(keys, b)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Size returns the number of live keys in the trie.
func (t *Trie[V]) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return 0
	}
	return t.root.size
}

// parallelHashThreshold is the minimum subtree size below which Hash
// recurses serially rather than paying goroutine dispatch cost.
const parallelHashThreshold = 64

// Hash computes the root commitment, recursing in parallel over subtrees
// above parallelHashThreshold (spec §4.5: hashing must parallelize without
// changing the result). The hash depends only on the live key/value set,
// never on insertion order or goroutine count.
func (t *Trie[V]) Hash() [32]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.root == nil {
		return xcrypto.CommitmentHash([]byte("empty-trie"))
	}
	sem := semaphore.NewWeighted(t.parallelism)
	return hashNode(context.Background(), sem, t.root, t.hashFn)
}

func hashNode[V any](ctx context.Context, sem *semaphore.Weighted, n *node[V], hashFn HashFunc[V]) [32]byte {
	if n.hashValid {
		return n.hash
	}

	keys := sortedChildKeys(n)
	childHashes := make([][32]byte, len(keys))

	if n.size > parallelHashThreshold && len(keys) > 1 {
		var wg sync.WaitGroup
		for i, b := range keys {
			i, b := i, b
			child := n.children[b]
			if sem.TryAcquire(1) {
				wg.Add(1)
				go func() {
					defer sem.Release(1)
					defer wg.Done()
					childHashes[i] = hashNode(ctx, sem, child, hashFn)
				}()
				continue
			}
			childHashes[i] = hashNode(ctx, sem, child, hashFn)
		}
		wg.Wait()
	} else {
		for i, b := range keys {
			childHashes[i] = hashNode(ctx, sem, n.children[b], hashFn)
		}
	}

	parts := make([][]byte, 0, 2+2*len(keys))
	parts = append(parts, n.prefix)
	if n.hasValue && !n.deleted {
		parts = append(parts, []byte{1}, hashFn(n.value))
	} else {
		parts = append(parts, []byte{0})
	}
	for i, b := range keys {
		h := childHashes[i]
		parts = append(parts, []byte{b}, h[:])
	}

	n.hash = xcrypto.CommitmentHash(parts...)
	n.hashValid = true
	return n.hash
}

// MergeIn splices other's keys into t, recursing into the shared structure
// only where prefixes overlap and grafting disjoint subtrees directly
// (spec §4.5 merge_in) — the mechanism by which worker-local tries built
// during a parallel pass are folded back into the canonical trie. other is
// left empty.
func (t *Trie[V]) MergeIn(other *Trie[V]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	other.mu.Lock()
	defer other.mu.Unlock()

	t.root = mergeNodes(t.root, other.root, t.merge)
	other.root = nil
}

func mergeNodes[V any](a, b *node[V], merge MergeFunc[V]) *node[V] {
	if b == nil {
		return a
	}
	if a == nil {
		return b
	}
	cp := commonPrefixLen(a.prefix, b.prefix)

	switch {
	case cp == len(a.prefix) && cp == len(b.prefix):
		if b.hasValue {
			if a.hasValue {
				a.value = merge(a.value, b.value)
			} else {
				a.value = b.value
			}
			a.hasValue = true
			a.deleted = false
		}
		if a.children == nil {
			a.children = b.children
		} else {
			for bk, bc := range b.children {
				a.children[bk] = mergeNodes(a.children[bk], bc, merge)
			}
		}
		a.hashValid = false
		a.size = subtreeSize(a)
		return a

	case cp == len(a.prefix):
		// b extends past a: descend into a's matching child.
		rest := b.prefix[cp:]
		bChild := &node[V]{prefix: rest, children: b.children, hasValue: b.hasValue, value: b.value, deleted: b.deleted, size: b.size}
		if a.children == nil {
			a.children = make(map[byte]*node[V])
		}
		k := rest[0]
		a.children[k] = mergeNodes(a.children[k], bChild, merge)
		a.hashValid = false
		a.size = subtreeSize(a)
		return a

	case cp == len(b.prefix):
		// a extends past b: b becomes the new parent, a its child.
		aChild := &node[V]{prefix: a.prefix[cp:], children: a.children, hasValue: a.hasValue, value: a.value, deleted: a.deleted, size: a.size}
		parent := &node[V]{prefix: b.prefix, hasValue: b.hasValue, value: b.value, deleted: b.deleted}
		parent.children = map[byte]*node[V]{aChild.prefix[0]: aChild}
		if b.children != nil {
			for bk, bc := range b.children {
				parent.children[bk] = mergeNodes(parent.children[bk], bc, merge)
			}
		}
		parent.size = subtreeSize(parent)
		return parent

	default:
		// Diverging: branch at cp with both subtrees as children, keyed by
		// the byte at which they diverge.
		sharedPrefix := a.prefix[:cp]
		a.prefix = a.prefix[cp:]
		a.hashValid = false
		bNode := &node[V]{prefix: b.prefix[cp:], children: b.children, hasValue: b.hasValue, value: b.value, deleted: b.deleted, size: b.size}
		branch := &node[V]{
			prefix: sharedPrefix,
			children: map[byte]*node[V]{
				a.prefix[0]:     a,
				bNode.prefix[0]: bNode,
			},
		}
		branch.size = subtreeSize(branch)
		return branch
	}
}

// Checkout returns a fresh, empty trie sharing this trie's merge and hash
// functions, suitable for a worker to build up independently before being
// folded back with BatchMergeIn (spec §4.5's thread-local recycling mode).
func (t *Trie[V]) Checkout() *Trie[V] {
	return New(t.hashFn, t.merge)
}

// BatchMergeIn folds a batch of worker-local tries back into t sequentially;
// each MergeIn call also runs on the calling goroutine, without spawning
// workers of its own.
func (t *Trie[V]) BatchMergeIn(locals []*Trie[V]) {
	for _, l := range locals {
		if l == nil {
			continue
		}
		t.MergeIn(l)
	}
}
