package xdr

import (
	"fmt"

	"github.com/speedex-labs/batchengine/pkg/types"
)

// BookClearing records, for one directed asset pair, the total volume sold
// on the sell side and the post-clearing root hash of that orderbook
// (spec §6).
type BookClearing struct {
	SoldAmount uint64
	RootHash   [32]byte
}

// StateRootHashes is the (accounts, orderbooks, headerMap) commitment triple
// carried in every block header.
type StateRootHashes struct {
	Accounts   [32]byte
	Orderbooks [32]byte
	HeaderMap  [32]byte
}

// Header is the block header (spec §3, §6).
type Header struct {
	Round           types.Round
	PrevHash        [32]byte
	FeeRate         uint64
	Prices          []types.Price // indexed by AssetID
	ClearingDetails []BookClearing // indexed by directed pair, row-major over NumAssets
	StateRoots      StateRootHashes
}

// CanonicalBytes is the payload hashed to produce the block hash and the
// payload authenticated by HeaderHashMap (C13).
func (h *Header) CanonicalBytes() []byte {
	e := NewEncoder()
	e.U64(uint64(h.Round)).Fixed(h.PrevHash[:]).U64(h.FeeRate)
	e.U32(uint32(len(h.Prices)))
	for _, p := range h.Prices {
		e.U64(uint64(p))
	}
	e.U32(uint32(len(h.ClearingDetails)))
	for _, c := range h.ClearingDetails {
		e.U64(c.SoldAmount).Fixed(c.RootHash[:])
	}
	e.Fixed(h.StateRoots.Accounts[:]).Fixed(h.StateRoots.Orderbooks[:]).Fixed(h.StateRoots.HeaderMap[:])
	return e.Bytes()
}

// DecodeHeader inverts Header.CanonicalBytes, used by the persistence
// pipeline's phase 0 to read back a durably recorded header (spec §4.14)
// and by the ReplayLoader to replay the decided-block log (spec §4.17).
func DecodeHeader(b []byte) (*Header, error) {
	d := NewDecoder(b)
	var h Header

	round, err := d.U64()
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header round: %w", err)
	}
	h.Round = types.Round(round)

	prevHash, err := d.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header prevHash: %w", err)
	}
	copy(h.PrevHash[:], prevHash)

	if h.FeeRate, err = d.U64(); err != nil {
		return nil, fmt.Errorf("xdr: decode header feeRate: %w", err)
	}

	numPrices, err := d.U32()
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header numPrices: %w", err)
	}
	h.Prices = make([]types.Price, numPrices)
	for i := range h.Prices {
		p, err := d.U64()
		if err != nil {
			return nil, fmt.Errorf("xdr: decode header price %d: %w", i, err)
		}
		h.Prices[i] = types.Price(p)
	}

	numClearing, err := d.U32()
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header numClearing: %w", err)
	}
	h.ClearingDetails = make([]BookClearing, numClearing)
	for i := range h.ClearingDetails {
		sold, err := d.U64()
		if err != nil {
			return nil, fmt.Errorf("xdr: decode header clearing %d sold: %w", i, err)
		}
		root, err := d.Fixed(32)
		if err != nil {
			return nil, fmt.Errorf("xdr: decode header clearing %d root: %w", i, err)
		}
		h.ClearingDetails[i].SoldAmount = sold
		copy(h.ClearingDetails[i].RootHash[:], root)
	}

	accounts, err := d.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header accounts root: %w", err)
	}
	copy(h.StateRoots.Accounts[:], accounts)
	orderbooks, err := d.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header orderbooks root: %w", err)
	}
	copy(h.StateRoots.Orderbooks[:], orderbooks)
	headerMap, err := d.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("xdr: decode header headerMap root: %w", err)
	}
	copy(h.StateRoots.HeaderMap[:], headerMap)

	if !d.Done() {
		return nil, fmt.Errorf("xdr: trailing bytes after header")
	}
	return &h, nil
}

// Block is the full wire block: header, its hash, and the signed tx body.
type Block struct {
	Header     Header
	HeaderHash [32]byte
	Txs        []SignedTransaction
}

// CanonicalBytes serializes the full block, used to persist and replay the
// decided-block log (spec §1's "on-disk block log" collaborator; this repo
// only defines the wire format, not the log's storage).
func (b *Block) CanonicalBytes() []byte {
	e := NewEncoder()
	e.VarBytes(b.Header.CanonicalBytes())
	e.Fixed(b.HeaderHash[:])
	e.U32(uint32(len(b.Txs)))
	for i := range b.Txs {
		e.VarBytes(b.Txs[i].CanonicalBytes())
	}
	return e.Bytes()
}

// DecodeBlock inverts Block.CanonicalBytes.
func DecodeBlock(raw []byte) (*Block, error) {
	d := NewDecoder(raw)
	headerBytes, err := d.VarBytes()
	if err != nil {
		return nil, fmt.Errorf("xdr: decode block header: %w", err)
	}
	header, err := DecodeHeader(headerBytes)
	if err != nil {
		return nil, err
	}
	hash, err := d.Fixed(32)
	if err != nil {
		return nil, fmt.Errorf("xdr: decode block headerHash: %w", err)
	}
	n, err := d.U32()
	if err != nil {
		return nil, fmt.Errorf("xdr: decode block tx count: %w", err)
	}
	txs := make([]SignedTransaction, 0, n)
	for i := uint32(0); i < n; i++ {
		txBytes, err := d.VarBytes()
		if err != nil {
			return nil, fmt.Errorf("xdr: decode block tx %d: %w", i, err)
		}
		stx, err := DecodeSignedTransaction(txBytes)
		if err != nil {
			return nil, err
		}
		txs = append(txs, *stx)
	}
	if !d.Done() {
		return nil, fmt.Errorf("xdr: trailing bytes after block")
	}
	out := &Block{Header: *header, Txs: txs}
	copy(out.HeaderHash[:], hash)
	return out, nil
}
