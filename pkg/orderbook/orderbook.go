// Package orderbook implements C6 Orderbook and C7 OrderbookManager: the
// per-asset-pair trie of sell offers, keyed so that iteration order is
// ascending by minimum acceptable price, and the manager that holds one
// book per directed asset pair.
package orderbook

import (
	"encoding/binary"
	"fmt"

	"github.com/speedex-labs/batchengine/pkg/trie"
	"github.com/speedex-labs/batchengine/pkg/types"
	"github.com/speedex-labs/batchengine/pkg/xdr"
)

// Offer is one resting sell offer: sell Amount of SellAsset for at least
// MinPrice units of BuyAsset per unit sold.
type Offer struct {
	Owner     types.AccountID
	OfferID   types.OfferID
	SellAsset types.AssetID
	BuyAsset  types.AssetID
	Amount    int64 // remaining sell-asset amount, shrinks on partial clearing
	MinPrice  types.Price
}

func offerHash(o Offer) []byte {
	return EncodeOffer(o)
}

// EncodeOffer serializes an offer to its canonical byte form, the same
// encoding used to hash it into the book trie; this doubles as the
// on-disk form persisted for each resting offer (spec §6, §4.14).
func EncodeOffer(o Offer) []byte {
	e := xdr.NewEncoder()
	e.U64(uint64(o.Owner)).U64(uint64(o.OfferID)).U16(uint16(o.SellAsset)).U16(uint16(o.BuyAsset))
	e.I64(o.Amount).U64(uint64(o.MinPrice))
	return e.Bytes()
}

// DecodeOffer inverts EncodeOffer, used by the ReplayLoader to rebuild
// resting offers from persisted bytes (spec §4.17).
func DecodeOffer(b []byte) (Offer, error) {
	d := xdr.NewDecoder(b)
	owner, err := d.U64()
	if err != nil {
		return Offer{}, fmt.Errorf("orderbook: decode offer owner: %w", err)
	}
	offerID, err := d.U64()
	if err != nil {
		return Offer{}, fmt.Errorf("orderbook: decode offer id: %w", err)
	}
	sell, err := d.U16()
	if err != nil {
		return Offer{}, fmt.Errorf("orderbook: decode sell asset: %w", err)
	}
	buy, err := d.U16()
	if err != nil {
		return Offer{}, fmt.Errorf("orderbook: decode buy asset: %w", err)
	}
	amount, err := d.I64()
	if err != nil {
		return Offer{}, fmt.Errorf("orderbook: decode amount: %w", err)
	}
	minPrice, err := d.U64()
	if err != nil {
		return Offer{}, fmt.Errorf("orderbook: decode min price: %w", err)
	}
	return Offer{
		Owner:     types.AccountID(owner),
		OfferID:   types.OfferID(offerID),
		SellAsset: types.AssetID(sell),
		BuyAsset:  types.AssetID(buy),
		Amount:    amount,
		MinPrice:  types.Price(minPrice),
	}, nil
}

// keys include a unique OfferID, so the trie never needs to actually merge
// two offers (spec §4.5); this function exists only to satisfy the trie's
// MergeFunc contract.
func offerNoMerge(_, incoming Offer) Offer { return incoming }

// OfferKey builds the spec §4.6 key: minPrice_be || owner_be || offerID_be.
// Fixed-width big-endian fields make ascending byte order equal ascending
// numeric (minPrice, owner, offerID) order.
func OfferKey(minPrice types.Price, owner types.AccountID, offerID types.OfferID) []byte {
	e := xdr.NewEncoder()
	e.U64(uint64(minPrice)).U64(uint64(owner)).U64(uint64(offerID))
	return e.Bytes()
}

// Book is C6 Orderbook: a single directed (sell, buy) asset pair's resting
// offers.
type Book struct {
	Sell types.AssetID
	Buy  types.AssetID
	t    *trie.Trie[Offer]
}

func newBookTrie() *trie.Trie[Offer] { return trie.New(offerHash, offerNoMerge) }

// NewBook constructs an empty book for the (sell, buy) pair.
func NewBook(sell, buy types.AssetID) *Book {
	return &Book{Sell: sell, Buy: buy, t: newBookTrie()}
}

// AddOffer inserts offer into the book (spec §4.6 add_offer). Production
// callers insert into a thread-local book (via Checkout) and merge later;
// this method works directly on any Book, staged or canonical.
func (b *Book) AddOffer(o Offer) {
	b.t.Insert(OfferKey(o.MinPrice, o.Owner, o.OfferID), o)
}

// CancelOffer deletes the offer keyed by (minPrice, owner, offerID)
// (spec §4.6 cancel_offer).
func (b *Book) CancelOffer(minPrice types.Price, owner types.AccountID, offerID types.OfferID) (Offer, bool) {
	return b.t.PerformDeletion(OfferKey(minPrice, owner, offerID))
}

// Checkout returns a fresh thread-local book for the same pair, for a
// worker to insert new offers into independently before merging back.
func (b *Book) Checkout() *Book {
	return &Book{Sell: b.Sell, Buy: b.Buy, t: b.t.Checkout()}
}

// MergeIn folds other's offers into b (spec §7: partial_finish).
func (b *Book) MergeIn(other *Book) {
	b.t.MergeIn(other.t)
}

// Hash returns the book's trie root.
func (b *Book) Hash() [32]byte { return b.t.Hash() }

// Size returns the number of live offers.
func (b *Book) Size() int { return b.t.Size() }

// AllOffers returns every resting offer in the book, in key (i.e.
// minPrice-ascending) order.
func (b *Book) AllOffers() []Offer {
	var out []Offer
	b.t.ApplyToKeys(func(_ []byte, o Offer) { out = append(out, o) })
	return out
}

// Fill records one offer's consumption during clearing.
type Fill struct {
	Owner              types.AccountID
	OfferID            types.OfferID
	SellAsset          types.AssetID
	BuyAsset           types.AssetID
	ConsumedSellAmount int64
	BuyCredit          int64
	FullyConsumed      bool
}

// scaleSellToBuy computes amount·minPrice scaled by clearingPrice/minPrice,
// i.e. amount·clearingPrice, in the book's fixed-point representation, per
// spec §4.6's 128-bit partial-clearing arithmetic.
func scaleSellToBuy(amount int64, clearingPrice types.Price) (int64, error) {
	scaled, ok := types.ScaleAmount(amount, clearingPrice)
	if !ok {
		return 0, fmt.Errorf("orderbook: buy-side scaling overflow for amount %d at price %d", amount, clearingPrice)
	}
	return scaled, nil
}

// ClearOffers walks the book in ascending minPrice order, consuming offers
// with MinPrice <= clearingPrice until targetSellAmount of sell-asset
// volume has been consumed (spec §4.6 clear_offers). Fully-consumed offers
// are marked for deletion; a straddling offer is partially consumed and
// rewritten. Returns the fills applied and the total sell-asset volume
// actually sold (which may be less than targetSellAmount if the book lacks
// depth at this price).
func (b *Book) ClearOffers(clearingPrice types.Price, targetSellAmount uint64) ([]Fill, uint64, error) {
	type liveOffer struct {
		key []byte
		o   Offer
	}
	var live []liveOffer
	b.t.ApplyToKeys(func(key []byte, o Offer) {
		live = append(live, liveOffer{key: append([]byte(nil), key...), o: o})
	})

	var fills []Fill
	var totalSold uint64

	for _, lo := range live {
		if totalSold >= targetSellAmount {
			break
		}
		if lo.o.MinPrice > clearingPrice {
			// Ascending order: no later offer can have a lower minPrice, so
			// none of the rest are eligible either.
			break
		}
		remaining := targetSellAmount - totalSold
		consume := uint64(lo.o.Amount)
		fullyConsumed := true
		if consume > remaining {
			consume = remaining
			fullyConsumed = false
		}

		credit, err := scaleSellToBuy(int64(consume), clearingPrice)
		if err != nil {
			return nil, 0, err
		}

		fills = append(fills, Fill{
			Owner:              lo.o.Owner,
			OfferID:            lo.o.OfferID,
			SellAsset:          lo.o.SellAsset,
			BuyAsset:           lo.o.BuyAsset,
			ConsumedSellAmount: int64(consume),
			BuyCredit:          credit,
			FullyConsumed:      fullyConsumed,
		})
		totalSold += consume

		if fullyConsumed {
			b.t.MarkForDeletion(lo.key)
		} else {
			updated := lo.o
			updated.Amount -= int64(consume)
			b.t.Insert(lo.key, updated)
		}
	}
	b.t.PerformMarkedDeletions()
	return fills, totalSold, nil
}

// PartialExecute matches a single incoming order against the book
// immediately, without a batch clearing price — the continuous-double-
// auction path (spec §4.6 partial_execute). It is a thin wrapper over the
// same ascending-order walk ClearOffers uses, bounded additionally by
// maxPrice: only offers with MinPrice <= maxPrice are eligible.
func (b *Book) PartialExecute(maxPrice types.Price, sellAmount int64) ([]Fill, int64, error) {
	fills, sold, err := b.ClearOffers(maxPrice, uint64(sellAmount))
	return fills, int64(sold), err
}

// pairKeyBytes packs a directed (sell, buy) asset pair into a 4-byte key.
// Manager indexes its books by PairKey, not by this encoding.
func pairKeyBytes(sell, buy types.AssetID) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint16(b[0:2], uint16(sell))
	binary.BigEndian.PutUint16(b[2:4], uint16(buy))
	return b
}
