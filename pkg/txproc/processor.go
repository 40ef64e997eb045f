// Package txproc implements C9 SerialTxProcessor/Validator: the per-
// transaction operation dispatch shared by block production and block
// validation.
//
// Production and validation differ only in which OfferSink new offers land
// in (a worker's thread-local Staged set vs. the canonical Manager
// directly) — both apply balance changes straight to the live account
// state and rely on an explicit undo stack to erase a failed transaction's
// effects, which gives the same "failed txs leave no trace" guarantee
// spec §4.9 describes for a separately buffered view, without a second
// view implementation (see DESIGN.md).
package txproc

import (
	"github.com/speedex-labs/batchengine/pkg/account"
	"github.com/speedex-labs/batchengine/pkg/modlog"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/seqtracker"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xcrypto"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

const (
	// BaseFeePerTx and FeePerOp price a transaction's resource consumption
	// (spec §4.9 step 3: "fee = BASE_FEE_PER_TX + FEE_PER_OP · |ops|").
	BaseFeePerTx uint64 = 100
	FeePerOp     uint64 = 10

	// MinStartingBalance is the smallest native-asset balance a new account
	// may be created with (spec §4.9's CREATE_ACCOUNT "ensure starting >=
	// MIN").
	MinStartingBalance int64 = 1

	// MaxPrintMoneyAmount caps the test-only MONEY_PRINTER op independently
	// of the general per-op amount bound (spec §7's distinct
	// INVALID_PRINT_MONEY_AMOUNT code implies its own limit).
	MaxPrintMoneyAmount int64 = int64(1) << 40
)

// OfferSink is satisfied by both a worker's thread-local orderbook.Staged
// set (block production) and orderbook.Manager itself (validation), so the
// processor needs no special-casing between the two modes.
type OfferSink interface {
	AddOffer(o orderbook.Offer)
	RemoveOffer(o orderbook.Offer) bool
}

// Canceller resolves CANCEL_SELL_OFFER against the canonical book; offers
// created earlier in the same round are always canonical by the time a
// later chunk's CANCEL op can reference them (spec §4.7 step 1 runs ahead
// of step 4's clearing, but cancellation of a same-round, still-staged
// offer is out of scope here — see DESIGN.md).
type Canceller interface {
	CancelOffer(sell, buy types.AssetID, minPrice types.Price, owner types.AccountID, offerID types.OfferID) (orderbook.Offer, bool)
}

// Params configures a Processor's genesis-fixed behavior.
type Params struct {
	NumAssets int
	CheckSigs bool
}

// Processor implements C9's per-transaction contract.
type Processor struct {
	db     *account.Database
	offers OfferSink
	cancel Canceller
	log    *modlog.Log
	params Params
}

// New constructs a Processor wired to the given stores.
func New(db *account.Database, offers OfferSink, cancel Canceller, log *modlog.Log, params Params) *Processor {
	return &Processor{db: db, offers: offers, cancel: cancel, log: log, params: params}
}

type undoFn func()

// ProcessTx applies one signed transaction's operations in order, per
// spec §4.9. On any failure it unwinds every operation that had already
// succeeded and returns the failure code; on success it returns TxSuccess.
func (p *Processor) ProcessTx(stx *xdr.SignedTransaction) types.TxResultCode {
	tx := &stx.Tx

	if code := validateFormat(tx); code != types.TxSuccess {
		return code
	}

	source, ok := p.db.Lookup(tx.Metadata.Source)
	if !ok {
		return types.TxSourceAccountNexist
	}

	fee := BaseFeePerTx + FeePerOp*uint64(len(tx.Operations))
	if tx.Metadata.MaxFee < fee {
		return types.TxFeeBidTooLow
	}

	if p.params.CheckSigs {
		if !xcrypto.VerifyDetached(source.PubKey, tx.CanonicalBytes(), stx.Signature) {
			return types.TxBadSignature
		}
	}

	switch res := source.Seq.Reserve(tx.Metadata.Seq); res {
	case seqtracker.ReserveTooLow:
		return types.TxSeqNumTooLow
	case seqtracker.ReserveTooHigh:
		return types.TxSeqNumTooHigh
	case seqtracker.ReserveInUse:
		return types.TxSeqNumTempInUse
	}

	if !source.TryTransfer(types.NativeAsset, -int64(fee)) {
		source.Seq.Release(tx.Metadata.Seq)
		return types.TxInsufficientBalance
	}

	var undo []undoFn
	unwind := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	for i := range tx.Operations {
		op := &tx.Operations[i]
		code := p.applyOp(tx, source, op, uint8(i), &undo)
		if code != types.TxSuccess {
			unwind()
			source.TryTransfer(types.NativeAsset, int64(fee))
			source.Seq.Release(tx.Metadata.Seq)
			return code
		}
	}

	p.log.Record(tx.Metadata.Source, modlog.TxRef{Source: tx.Metadata.Source, Seq: tx.Metadata.Seq})
	return types.TxSuccess
}

func validateFormat(tx *xdr.Transaction) types.TxResultCode {
	if tx.Metadata.Seq&0xFF != 0 {
		return types.TxInvalidFormat
	}
	if len(tx.Operations) > xdr.MaxOpsPerTx {
		return types.TxInvalidFormat
	}
	for i := range tx.Operations {
		amt, ok := operationAmount(&tx.Operations[i])
		if !ok {
			return types.TxInvalidOperationType
		}
		if amt <= 0 || amt > xdr.MaxOpAmount {
			return types.TxInvalidAmount
		}
	}
	return types.TxSuccess
}

// operationAmount extracts the field each op kind treats as its principal
// amount, for the format check's bound validation.
func operationAmount(op *xdr.Operation) (int64, bool) {
	switch op.Kind {
	case xdr.OpCreateAccount:
		return op.Starting, true
	case xdr.OpCreateSellOffer:
		return op.Amount, true
	case xdr.OpCancelSellOffer:
		return 1, true // no amount field; always in-bounds
	case xdr.OpPayment:
		return op.Amount, true
	case xdr.OpMoneyPrinter:
		return op.Amount, true
	default:
		return 0, false
	}
}

func (p *Processor) applyOp(tx *xdr.Transaction, source *account.Account, op *xdr.Operation, opIndex uint8, undo *[]undoFn) types.TxResultCode {
	switch op.Kind {
	case xdr.OpCreateAccount:
		return p.applyCreateAccount(source, op, undo)
	case xdr.OpCreateSellOffer:
		return p.applyCreateSellOffer(tx, source, op, opIndex, undo)
	case xdr.OpCancelSellOffer:
		return p.applyCancelSellOffer(source, op, undo)
	case xdr.OpPayment:
		return p.applyPayment(source, op, undo)
	case xdr.OpMoneyPrinter:
		return p.applyMoneyPrinter(source, op, undo)
	default:
		return types.TxInvalidOperationType
	}
}

func (p *Processor) applyCreateAccount(source *account.Account, op *xdr.Operation, undo *[]undoFn) types.TxResultCode {
	if op.Starting < MinStartingBalance {
		return types.TxStartingBalanceTooLow
	}
	if !source.TryTransfer(types.NativeAsset, -op.Starting) {
		return types.TxInsufficientBalance
	}
	*undo = append(*undo, func() { source.TryTransfer(types.NativeAsset, op.Starting) })

	newAccount, code := p.db.CreateStaged(op.NewAccount, append([]byte(nil), op.NewPubKey[:]...), op.Starting)
	if code != types.TxSuccess {
		return code
	}
	p.log.Record(op.NewAccount, modlog.TxRef{Source: source.ID, Seq: 0})
	_ = newAccount
	return types.TxSuccess
}

func (p *Processor) applyCreateSellOffer(tx *xdr.Transaction, source *account.Account, op *xdr.Operation, opIndex uint8, undo *[]undoFn) types.TxResultCode {
	if op.SellAsset == op.BuyAsset || int(op.SellAsset) >= p.params.NumAssets || int(op.BuyAsset) >= p.params.NumAssets {
		return types.TxInvalidOfferCategory
	}
	if op.MinPrice == 0 {
		return types.TxInvalidPrice
	}
	if !source.TryTransfer(op.SellAsset, -op.Amount) {
		return types.TxInsufficientBalance
	}

	offerID, err := types.MakeOfferID(tx.Metadata.Seq, opIndex)
	if err != nil {
		source.TryTransfer(op.SellAsset, op.Amount)
		return types.TxInvalidFormat
	}

	offer := orderbook.Offer{
		Owner:     source.ID,
		OfferID:   offerID,
		SellAsset: op.SellAsset,
		BuyAsset:  op.BuyAsset,
		Amount:    op.Amount,
		MinPrice:  op.MinPrice,
	}
	p.offers.AddOffer(offer)
	*undo = append(*undo, func() {
		p.offers.RemoveOffer(offer)
		source.TryTransfer(op.SellAsset, op.Amount)
	})
	return types.TxSuccess
}

func (p *Processor) applyCancelSellOffer(source *account.Account, op *xdr.Operation, undo *[]undoFn) types.TxResultCode {
	offer, ok := p.cancel.CancelOffer(op.SellAsset, op.BuyAsset, op.MinPrice, source.ID, op.OfferID)
	if !ok {
		return types.TxCancelOfferTargetNexist
	}
	source.TryTransfer(offer.SellAsset, offer.Amount)
	*undo = append(*undo, func() {
		source.TryTransfer(offer.SellAsset, -offer.Amount)
		p.offers.AddOffer(offer)
	})
	return types.TxSuccess
}

func (p *Processor) applyPayment(source *account.Account, op *xdr.Operation, undo *[]undoFn) types.TxResultCode {
	receiver, ok := p.db.Lookup(op.Receiver)
	if !ok {
		return types.TxRecipientAccountNexist
	}
	if !source.TryTransfer(op.Asset, -op.Amount) {
		return types.TxInsufficientBalance
	}
	receiver.TryTransfer(op.Asset, op.Amount)
	*undo = append(*undo, func() {
		receiver.TryTransfer(op.Asset, -op.Amount)
		source.TryTransfer(op.Asset, op.Amount)
	})
	p.log.Record(op.Receiver, modlog.TxRef{Source: source.ID, Seq: 0})
	return types.TxSuccess
}

func (p *Processor) applyMoneyPrinter(source *account.Account, op *xdr.Operation, undo *[]undoFn) types.TxResultCode {
	if op.Amount > MaxPrintMoneyAmount {
		return types.TxInvalidPrintMoneyAmount
	}
	source.TryTransfer(op.Asset, op.Amount)
	*undo = append(*undo, func() { source.TryTransfer(op.Asset, -op.Amount) })
	return types.TxSuccess
}
