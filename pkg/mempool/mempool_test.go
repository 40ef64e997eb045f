package mempool

import (
	"testing"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

func TestPushAndDrain(t *testing.T) {
	m := New()
	for i := 0; i < 10; i++ {
		m.Push(&xdr.SignedTransaction{})
	}
	if m.Len() != 0 {
		t.Fatalf("Len() before drain = %d, want 0", m.Len())
	}
	m.PushBufferToMempool()
	if m.Len() != 10 {
		t.Fatalf("Len() after drain = %d, want 10", m.Len())
	}
}

func TestChunkingRespectsTargetSize(t *testing.T) {
	m := New()
	for i := 0; i < TargetChunkSize+5; i++ {
		m.Push(&xdr.SignedTransaction{})
	}
	m.PushBufferToMempool()
	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(snapshot) = %d, want 2 chunks", len(snap))
	}
	if len(snap[0].Txs) != TargetChunkSize {
		t.Fatalf("first chunk size = %d, want %d", len(snap[0].Txs), TargetChunkSize)
	}
	if len(snap[1].Txs) != 5 {
		t.Fatalf("second chunk size = %d, want 5", len(snap[1].Txs))
	}
}

func TestRemoveConfirmedCompacts(t *testing.T) {
	m := New()
	for i := 0; i < 5; i++ {
		m.Push(&xdr.SignedTransaction{})
	}
	m.PushBufferToMempool()
	snap := m.Snapshot()
	snap[0].MarkRemoved(1)
	snap[0].MarkRemoved(3)
	m.RemoveConfirmed()
	if m.Len() != 3 {
		t.Fatalf("Len() after RemoveConfirmed = %d, want 3", m.Len())
	}
}

func TestJoinSmallChunksMergesAdjacent(t *testing.T) {
	m := New()
	m.chunks = []*Chunk{newChunk(TargetChunkSize), newChunk(TargetChunkSize)}
	m.chunks[0].push(&xdr.SignedTransaction{})
	m.chunks[1].push(&xdr.SignedTransaction{})
	m.JoinSmallChunks()
	if len(m.chunks) != 1 {
		t.Fatalf("len(chunks) after join = %d, want 1", len(m.chunks))
	}
	if len(m.chunks[0].Txs) != 2 {
		t.Fatalf("merged chunk size = %d, want 2", len(m.chunks[0].Txs))
	}
}

func TestFilterRemovesCommittedSeqs(t *testing.T) {
	kp, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	db := account.NewDatabase(1, xcrypto.ShardHashKey{}, 64)
	if _, code := db.CreateStaged(1, kp.Public, 1000); code != types.TxSuccess {
		t.Fatalf("CreateStaged failed: %v", code)
	}
	db.CommitNewAccounts(0)

	stale := &xdr.SignedTransaction{}
	stale.Tx.Metadata.Source = 1
	stale.Tx.Metadata.Seq = 256 // will be <= the account's committed seq below

	fresh := &xdr.SignedTransaction{}
	fresh.Tx.Metadata.Source = 1
	fresh.Tx.Metadata.Seq = 1 << 16 // far beyond the committed window

	m := New()
	m.Push(stale)
	m.Push(fresh)
	m.PushBufferToMempool()

	acct, _ := db.Lookup(1)
	acct.Seq.Reserve(256)
	acct.Commit() // advances LastCommitted to 256

	Filter(m, db)
	if m.Len() != 1 {
		t.Fatalf("Len() after Filter = %d, want 1", m.Len())
	}
	snap := m.Snapshot()
	if snap[0].Txs[0].Tx.Metadata.Seq != 1<<16 {
		t.Fatalf("surviving tx seq = %d, want %d", snap[0].Txs[0].Tx.Metadata.Seq, uint64(1<<16))
	}
}
