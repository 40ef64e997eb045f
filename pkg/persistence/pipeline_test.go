package persistence

import (
	"testing"
	"time"

	"github.com/speedex-labs/batchengine/pkg/types"
)

func newTestPipeline(t *testing.T) (*Pipeline, KVStore) {
	t.Helper()
	store := NewMemKV()
	if err := Open(store, "", 2); err != nil {
		t.Fatalf("open: %v", err)
	}
	p := New(store, 2)
	t.Cleanup(func() { p.Close() })
	return p, store
}

func TestPipelineCommitPersistsAccounts(t *testing.T) {
	p, store := newTestPipeline(t)

	w := &RoundWork{
		Round: 1,
		AccountsByShard: map[int][]AccountEntry{
			0: {{ID: 42, Data: []byte("hello")}},
		},
		HeaderBytes: []byte("header-1"),
	}
	if err := p.Commit(w); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Header write is synchronous (phase 0); should be visible immediately.
	txn, err := store.BeginRead(headerDB)
	if err != nil {
		t.Fatalf("begin read: %v", err)
	}
	defer txn.Close()
	v, err := txn.Get(headerKey(1))
	if err != nil || string(v) != "header-1" {
		t.Fatalf("header not persisted synchronously: %v %q", err, v)
	}

	waitForRound(t, store, 0, 1)

	rtxn, err := store.BeginRead(accountDBName(0))
	if err != nil {
		t.Fatalf("begin read shard 0: %v", err)
	}
	defer rtxn.Close()
	v, err = rtxn.Get(accountKeyBytes(42))
	if err != nil || string(v) != "hello" {
		t.Fatalf("account not persisted: %v %q", err, v)
	}
}

func waitForRound(t *testing.T, store KVStore, shard int, round uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r, err := store.PersistedRound(shard)
		if err != nil {
			t.Fatalf("persisted round: %v", err)
		}
		if r >= round {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("shard %d never reached persisted round %d", shard, round)
}

func TestPipelinePipelinesMultipleRounds(t *testing.T) {
	p, store := newTestPipeline(t)

	for r := types.Round(1); r <= 5; r++ {
		w := &RoundWork{
			Round:           r,
			AccountsByShard: map[int][]AccountEntry{0: {{ID: types.AccountID(r), Data: []byte{byte(r)}}}},
			HeaderBytes:     []byte{byte(r)},
		}
		if err := p.Commit(w); err != nil {
			t.Fatalf("commit round %d: %v", r, err)
		}
	}

	waitForRound(t, store, 0, 5)
	if err := p.Err(); err != nil {
		t.Fatalf("pipeline error: %v", err)
	}
}
