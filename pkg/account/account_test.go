package account

import (
	"context"
	"crypto/ed25519"
	"testing"

	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
)

func testPubKey(t *testing.T) ed25519.PublicKey {
	t.Helper()
	kp, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return kp.Public
}

func TestAccountCommitRollback(t *testing.T) {
	a := New(1, testPubKey(t), 1000, 64)
	if !a.TryTransfer(types.NativeAsset, -200) {
		t.Fatalf("TryTransfer failed")
	}
	a.Commit()
	bal, _ := a.AssetBalance(types.NativeAsset)
	if bal != 800 {
		t.Fatalf("balance after commit = %d, want 800", bal)
	}

	a.assetFor(types.NativeAsset).Transfer(-10000)
	if a.InValidState() {
		t.Fatalf("InValidState true after overdraw")
	}
	a.Rollback()
	bal, _ = a.AssetBalance(types.NativeAsset)
	if bal != 800 {
		t.Fatalf("balance after rollback = %d, want 800", bal)
	}
}

func TestDatabaseShardRoutingIsStable(t *testing.T) {
	var key xcrypto.ShardHashKey
	for i := range key {
		key[i] = byte(i)
	}
	db := NewDatabase(16, key, 64)
	for i := types.AccountID(0); i < 1000; i++ {
		idx1 := db.shardIndex(i)
		idx2 := db.shardIndex(i)
		if idx1 != idx2 {
			t.Fatalf("shardIndex(%d) not stable: %d vs %d", i, idx1, idx2)
		}
		if idx1 < 0 || idx1 >= 16 {
			t.Fatalf("shardIndex(%d) = %d out of range", i, idx1)
		}
	}
}

func TestCreateStagedRejectsDuplicate(t *testing.T) {
	var key xcrypto.ShardHashKey
	db := NewDatabase(4, key, 64)
	pub := testPubKey(t)

	if _, code := db.CreateStaged(1, pub, 100); code != types.TxSuccess {
		t.Fatalf("first CreateStaged code = %v, want success", code)
	}
	if _, code := db.CreateStaged(1, pub, 100); code != types.TxNewAccountTempReserved {
		t.Fatalf("duplicate staged CreateStaged code = %v, want TempReserved", code)
	}

	db.CommitNewAccounts(1)
	if _, code := db.CreateStaged(1, pub, 100); code != types.TxNewAccountAlreadyExists {
		t.Fatalf("CreateStaged after commit code = %v, want AlreadyExists", code)
	}
}

func TestRollbackNewAccountsClearsStaging(t *testing.T) {
	var key xcrypto.ShardHashKey
	db := NewDatabase(4, key, 64)
	pub := testPubKey(t)
	db.CreateStaged(1, pub, 100)
	db.RollbackNewAccounts(0)

	if _, ok := db.Lookup(1); ok {
		t.Fatalf("staged account visible after rollback")
	}
	if _, code := db.CreateStaged(1, pub, 100); code != types.TxSuccess {
		t.Fatalf("re-stage after rollback code = %v, want success", code)
	}
}

func TestCommitValuesAndProduceCommitment(t *testing.T) {
	var key xcrypto.ShardHashKey
	db := NewDatabase(4, key, 64)
	pub := testPubKey(t)

	db.CreateStaged(1, pub, 500)
	db.CreateStaged(2, pub, 500)
	db.CommitNewAccounts(1)

	a1, _ := db.Lookup(1)
	a2, _ := db.Lookup(2)
	a1.TryTransfer(types.NativeAsset, -100)
	a2.TryTransfer(types.NativeAsset, 100)

	dirty := []types.AccountID{1, 2}
	if err := db.CommitValues(context.Background(), dirty); err != nil {
		t.Fatalf("CommitValues: %v", err)
	}
	if !db.CheckValidState(dirty) {
		t.Fatalf("CheckValidState false after valid commit")
	}

	root1, err := db.ProduceCommitment(context.Background(), dirty)
	if err != nil {
		t.Fatalf("ProduceCommitment: %v", err)
	}
	root2 := db.CommitmentRoot()
	if root1 != root2 {
		t.Fatalf("CommitmentRoot mismatch after ProduceCommitment")
	}
}
