package batchdriver

import (
	"context"
	"testing"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/mempool"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/txproc"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

func mustKey(t *testing.T) *xcrypto.KeyPair {
	t.Helper()
	kp, err := xcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	return kp
}

func paymentTx(source, receiver types.AccountID, seq uint64, amount int64) *xdr.SignedTransaction {
	stx := &xdr.SignedTransaction{}
	stx.Tx.Metadata.Source = source
	stx.Tx.Metadata.Seq = seq
	stx.Tx.Metadata.MaxFee = 1000
	stx.Tx.Operations = []xdr.Operation{{
		Kind:     xdr.OpPayment,
		Receiver: receiver,
		Asset:    types.NativeAsset,
		Amount:   amount,
	}}
	return stx
}

func TestRunAppliesPaymentAndMergesState(t *testing.T) {
	var key xcrypto.ShardHashKey
	db := account.NewDatabase(4, key, 64)

	k1, k2 := mustKey(t), mustKey(t)
	if _, code := db.CreateStaged(1, k1.Public, 1000); code != types.TxSuccess {
		t.Fatalf("create source account: %v", code)
	}
	if _, code := db.CreateStaged(2, k2.Public, 0); code != types.TxSuccess {
		t.Fatalf("create receiver account: %v", code)
	}
	db.CommitNewAccounts(0)

	mp := mempool.New()
	mp.Push(paymentTx(1, 2, 256, 100))
	mp.PushBufferToMempool()

	offers := orderbook.NewManager(8)
	params := txproc.Params{NumAssets: 8, CheckSigs: false}

	result, err := Run(context.Background(), mp, db, offers, params, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Included != 1 {
		t.Fatalf("Included = %d, want 1", result.Included)
	}
	if len(result.DirtyAccounts) != 2 {
		t.Fatalf("DirtyAccounts = %v, want [1 2]", result.DirtyAccounts)
	}

	if err := db.CommitValues(context.Background(), result.DirtyAccounts); err != nil {
		t.Fatalf("CommitValues: %v", err)
	}

	source, _ := db.Lookup(1)
	receiver, _ := db.Lookup(2)
	srcBal, _ := source.AssetBalance(types.NativeAsset)
	dstBal, _ := receiver.AssetBalance(types.NativeAsset)

	wantSrc := int64(1000 - txproc.BaseFeePerTx - txproc.FeePerOp - 100)
	if srcBal != wantSrc {
		t.Fatalf("source balance = %d, want %d", srcBal, wantSrc)
	}
	if dstBal != 100 {
		t.Fatalf("receiver balance = %d, want 100", dstBal)
	}

	if mp.Len() != 0 {
		t.Fatalf("mempool Len() = %d, want 0 (successful tx removed)", mp.Len())
	}
}

func TestRunStopsAtBlockSizeBudget(t *testing.T) {
	var key xcrypto.ShardHashKey
	db := account.NewDatabase(4, key, 64)
	k1, k2 := mustKey(t), mustKey(t)
	db.CreateStaged(1, k1.Public, 100000)
	db.CreateStaged(2, k2.Public, 0)
	db.CommitNewAccounts(0)

	mp := mempool.New()
	for i := 0; i < 5; i++ {
		mp.Push(paymentTx(1, 2, uint64(256*(i+1)), 10))
	}
	mp.PushBufferToMempool()

	offers := orderbook.NewManager(8)
	params := txproc.Params{NumAssets: 8, CheckSigs: false}

	result, err := Run(context.Background(), mp, db, offers, params, 2)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.Included != 2 {
		t.Fatalf("Included = %d, want 2 (block size budget)", result.Included)
	}
}

func TestRunRejectsInsufficientBalanceWithoutPartialEffect(t *testing.T) {
	var key xcrypto.ShardHashKey
	db := account.NewDatabase(4, key, 64)
	k1, k2 := mustKey(t), mustKey(t)
	db.CreateStaged(1, k1.Public, 50)
	db.CreateStaged(2, k2.Public, 0)
	db.CommitNewAccounts(0)

	mp := mempool.New()
	mp.Push(paymentTx(1, 2, 256, 10000))
	mp.PushBufferToMempool()

	offers := orderbook.NewManager(8)
	params := txproc.Params{NumAssets: 8, CheckSigs: false}

	result, err := Run(context.Background(), mp, db, offers, params, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	code := *result.ChunkResults[0][0]
	if code != types.TxInsufficientBalance {
		t.Fatalf("code = %v, want TxInsufficientBalance", code)
	}

	source, _ := db.Lookup(1)
	bal, _ := source.AssetBalance(types.NativeAsset)
	if bal != 50 {
		t.Fatalf("source balance = %d, want 50 (unwound after failure)", bal)
	}

	if mp.Len() != 0 {
		t.Fatalf("mempool Len() = %d, want 0 (permanently-failing tx removed)", mp.Len())
	}
}
