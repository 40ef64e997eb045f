package blockassembler

import (
	"context"
	"testing"

	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/clock"
	"github.com/speedex-labs/batchengine/pkg/headerchain"
	"github.com/speedex-labs/batchengine/pkg/mempool"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/tatonnement"
	"github.com/speedex-labs/batchengine/pkg/txproc"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

func mustKeyPair(t *testing.T) *xcrypto.KeyPair {
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

func genesisHeader() *xdr.Header {
	return &xdr.Header{Round: 0}
}

func newTestAssembler(t *testing.T, numAssets int) (*Assembler, *account.Database, *mempool.Mempool) {
	t.Helper()
	var key xcrypto.ShardHashKey
	db := account.NewDatabase(4, key, 64)
	offers := orderbook.NewManager(numAssets)
	pool := mempool.New()
	chain := headerchain.New()

	params := Params{
		NumAssets:   numAssets,
		FeeRate:     1,
		BlockSize:   16,
		TxParams:    txproc.Params{NumAssets: numAssets, CheckSigs: false},
		Tatonnement: tatonnement.DefaultParams(numAssets),
	}
	return New(db, offers, pool, chain, clock.RealClock{}, params), db, pool
}

func TestProposeEmptyMempoolYieldsWellFormedBlock(t *testing.T) {
	asm, _, _ := newTestAssembler(t, 3)

	blk, err := asm.Propose(context.Background(), genesisHeader())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if blk.Header.Round != 1 {
		t.Fatalf("Round = %d, want 1", blk.Header.Round)
	}
	if len(blk.Txs) != 0 {
		t.Fatalf("Txs = %v, want empty", blk.Txs)
	}
	wantPairs := 3 * 2
	if len(blk.Header.ClearingDetails) != wantPairs {
		t.Fatalf("ClearingDetails len = %d, want %d", len(blk.Header.ClearingDetails), wantPairs)
	}
}

func TestProposeAppliesPaymentAndAdvancesRound(t *testing.T) {
	asm, db, pool := newTestAssembler(t, 3)

	k1, k2 := mustKeyPair(t), mustKeyPair(t)
	if _, code := db.CreateStaged(1, k1.Public, 1000); code != types.TxSuccess {
		t.Fatalf("create source: %v", code)
	}
	if _, code := db.CreateStaged(2, k2.Public, 0); code != types.TxSuccess {
		t.Fatalf("create receiver: %v", code)
	}
	db.CommitNewAccounts(0)

	pool.Push(paymentTx(1, 2, 256, 100))
	pool.PushBufferToMempool()

	blk, err := asm.Propose(context.Background(), genesisHeader())
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if len(blk.Txs) != 1 {
		t.Fatalf("Txs len = %d, want 1", len(blk.Txs))
	}

	receiver, _ := db.Lookup(2)
	bal, _ := receiver.AssetBalance(types.NativeAsset)
	if bal != 100 {
		t.Fatalf("receiver balance = %d, want 100", bal)
	}

	if _, ok := asm.chain.Lookup(1); !ok {
		t.Fatalf("header chain missing round 1 entry")
	}
}

func TestValidateAcceptsAProposedBlock(t *testing.T) {
	producer, db, pool := newTestAssembler(t, 3)

	k1, k2 := mustKeyPair(t), mustKeyPair(t)
	db.CreateStaged(1, k1.Public, 1000)
	db.CreateStaged(2, k2.Public, 0)
	db.CommitNewAccounts(0)

	pool.Push(paymentTx(1, 2, 256, 100))
	pool.PushBufferToMempool()

	prev := genesisHeader()
	blk, err := producer.Propose(context.Background(), prev)
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}

	validator, vdb, _ := newTestAssembler(t, 3)
	vdb.CreateStaged(1, k1.Public, 1000)
	vdb.CreateStaged(2, k2.Public, 0)
	vdb.CommitNewAccounts(0)

	ok, err := validator.Validate(context.Background(), prev, blk)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatalf("Validate returned false for a well-formed proposed block")
	}

	receiver, _ := vdb.Lookup(2)
	bal, _ := receiver.AssetBalance(types.NativeAsset)
	if bal != 100 {
		t.Fatalf("validator receiver balance = %d, want 100", bal)
	}
}

func TestValidateRejectsWrongRound(t *testing.T) {
	asm, _, _ := newTestAssembler(t, 3)
	prev := genesisHeader()
	blk := &xdr.Block{Header: xdr.Header{Round: 5, PrevHash: [32]byte{}}}

	ok, err := asm.Validate(context.Background(), prev, blk)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatalf("Validate accepted a block with a non-contiguous round")
	}
}
