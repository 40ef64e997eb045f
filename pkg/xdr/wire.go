package xdr

import (
	"fmt"

	"github.com/speedex-labs/batchengine/pkg/types"
)

// OpKind discriminates the Operation union (spec §6).
type OpKind uint8

const (
	OpCreateAccount OpKind = iota
	OpCreateSellOffer
	OpCancelSellOffer
	OpPayment
	OpMoneyPrinter
)

// MaxOpsPerTx bounds the number of operations in a single transaction
// (spec §4.9, §6: "|operations| ≤ 256").
const MaxOpsPerTx = 256

// MaxOpAmount bounds an individual operation amount (spec §4.9:
// "amounts ≤ 2^(63-15)"; spec §6 restates it as "≤ 2^48" for the wire
// format — the tighter wire bound is authoritative since it is what every
// signed transaction must satisfy to be well-formed).
const MaxOpAmount = int64(1) << 48

// Operation is the discriminated union over the five op kinds.
type Operation struct {
	Kind OpKind

	// CreateAccount
	NewAccount types.AccountID
	NewPubKey  [32]byte
	Starting   int64

	// CreateSellOffer
	SellAsset types.AssetID
	BuyAsset  types.AssetID
	Amount    int64
	MinPrice  types.Price

	// CancelSellOffer additionally uses MinPrice, SellAsset, BuyAsset above,
	// plus:
	OfferID types.OfferID

	// Payment
	Receiver types.AccountID
	Asset    types.AssetID

	// MoneyPrinter reuses Asset and Amount above (test-only op, spec §4.9).
}

func (op *Operation) encode(e *Encoder) {
	e.U8(uint8(op.Kind))
	switch op.Kind {
	case OpCreateAccount:
		e.U64(uint64(op.NewAccount)).Fixed(op.NewPubKey[:]).I64(op.Starting)
	case OpCreateSellOffer:
		e.U16(uint16(op.SellAsset)).U16(uint16(op.BuyAsset)).I64(op.Amount).U64(uint64(op.MinPrice))
	case OpCancelSellOffer:
		e.U16(uint16(op.SellAsset)).U16(uint16(op.BuyAsset)).U64(uint64(op.MinPrice)).U64(uint64(op.OfferID))
	case OpPayment:
		e.U64(uint64(op.Receiver)).U16(uint16(op.Asset)).I64(op.Amount)
	case OpMoneyPrinter:
		e.U16(uint16(op.Asset)).I64(op.Amount)
	}
}

func decodeOperation(d *Decoder) (Operation, error) {
	var op Operation
	kind, err := d.U8()
	if err != nil {
		return op, err
	}
	op.Kind = OpKind(kind)
	switch op.Kind {
	case OpCreateAccount:
		v, err := d.U64()
		if err != nil {
			return op, err
		}
		op.NewAccount = types.AccountID(v)
		pk, err := d.Fixed(32)
		if err != nil {
			return op, err
		}
		copy(op.NewPubKey[:], pk)
		op.Starting, err = d.I64()
		if err != nil {
			return op, err
		}
	case OpCreateSellOffer:
		sa, err := d.U16()
		if err != nil {
			return op, err
		}
		op.SellAsset = types.AssetID(sa)
		ba, err := d.U16()
		if err != nil {
			return op, err
		}
		op.BuyAsset = types.AssetID(ba)
		op.Amount, err = d.I64()
		if err != nil {
			return op, err
		}
		p, err := d.U64()
		if err != nil {
			return op, err
		}
		op.MinPrice = types.Price(p)
	case OpCancelSellOffer:
		sa, err := d.U16()
		if err != nil {
			return op, err
		}
		op.SellAsset = types.AssetID(sa)
		ba, err := d.U16()
		if err != nil {
			return op, err
		}
		op.BuyAsset = types.AssetID(ba)
		p, err := d.U64()
		if err != nil {
			return op, err
		}
		op.MinPrice = types.Price(p)
		oid, err := d.U64()
		if err != nil {
			return op, err
		}
		op.OfferID = types.OfferID(oid)
	case OpPayment:
		r, err := d.U64()
		if err != nil {
			return op, err
		}
		op.Receiver = types.AccountID(r)
		a, err := d.U16()
		if err != nil {
			return op, err
		}
		op.Asset = types.AssetID(a)
		op.Amount, err = d.I64()
		if err != nil {
			return op, err
		}
	case OpMoneyPrinter:
		a, err := d.U16()
		if err != nil {
			return op, err
		}
		op.Asset = types.AssetID(a)
		op.Amount, err = d.I64()
		if err != nil {
			return op, err
		}
	default:
		return op, fmt.Errorf("xdr: unknown operation kind %d", kind)
	}
	return op, nil
}

// TxMetadata is the (source, seq, maxFee) header of a Transaction.
type TxMetadata struct {
	Source types.AccountID
	Seq    uint64
	MaxFee uint64
}

// Transaction is the unsigned transaction body.
type Transaction struct {
	Metadata   TxMetadata
	Operations []Operation
}

// CanonicalBytes returns the canonical encoding used as the signing payload.
func (tx *Transaction) CanonicalBytes() []byte {
	e := NewEncoder()
	e.U64(uint64(tx.Metadata.Source)).U64(tx.Metadata.Seq).U64(tx.Metadata.MaxFee)
	e.U32(uint32(len(tx.Operations)))
	for i := range tx.Operations {
		tx.Operations[i].encode(e)
	}
	return e.Bytes()
}

func DecodeTransaction(b []byte) (*Transaction, error) {
	d := NewDecoder(b)
	var tx Transaction
	src, err := d.U64()
	if err != nil {
		return nil, err
	}
	tx.Metadata.Source = types.AccountID(src)
	if tx.Metadata.Seq, err = d.U64(); err != nil {
		return nil, err
	}
	if tx.Metadata.MaxFee, err = d.U64(); err != nil {
		return nil, err
	}
	n, err := d.U32()
	if err != nil {
		return nil, err
	}
	tx.Operations = make([]Operation, 0, n)
	for i := uint32(0); i < n; i++ {
		op, err := decodeOperation(d)
		if err != nil {
			return nil, err
		}
		tx.Operations = append(tx.Operations, op)
	}
	if !d.Done() {
		return nil, fmt.Errorf("xdr: trailing bytes after transaction")
	}
	return &tx, nil
}

// SignedTransaction pairs a Transaction with its 64-byte Ed25519 signature.
type SignedTransaction struct {
	Tx        Transaction
	Signature [64]byte
}

func (stx *SignedTransaction) CanonicalBytes() []byte {
	e := NewEncoder()
	e.VarBytes(stx.Tx.CanonicalBytes())
	e.Fixed(stx.Signature[:])
	return e.Bytes()
}

func DecodeSignedTransaction(b []byte) (*SignedTransaction, error) {
	d := NewDecoder(b)
	txBytes, err := d.VarBytes()
	if err != nil {
		return nil, err
	}
	tx, err := DecodeTransaction(txBytes)
	if err != nil {
		return nil, err
	}
	sig, err := d.Fixed(64)
	if err != nil {
		return nil, err
	}
	var out SignedTransaction
	out.Tx = *tx
	copy(out.Signature[:], sig)
	return &out, nil
}
