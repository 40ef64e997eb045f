package orderbook

import (
	"context"
	"testing"

	"github.com/speedex-labs/batchengine/pkg/types"
)

func mkOffer(owner types.AccountID, offerID types.OfferID, amount int64, minPrice types.Price) Offer {
	return Offer{Owner: owner, OfferID: offerID, SellAsset: 1, BuyAsset: 2, Amount: amount, MinPrice: minPrice}
}

func TestAddAndCancelOffer(t *testing.T) {
	b := NewBook(1, 2)
	o := mkOffer(1, 256, 100, types.PriceOne)
	b.AddOffer(o)
	if b.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", b.Size())
	}
	cancelled, ok := b.CancelOffer(o.MinPrice, o.Owner, o.OfferID)
	if !ok || cancelled.Amount != 100 {
		t.Fatalf("CancelOffer = %+v, %v", cancelled, ok)
	}
	if b.Size() != 0 {
		t.Fatalf("Size() after cancel = %d, want 0", b.Size())
	}
}

func TestClearOffersAscendingPriceOrder(t *testing.T) {
	b := NewBook(1, 2)
	b.AddOffer(mkOffer(1, 256, 100, types.PriceOne))               // cheapest
	b.AddOffer(mkOffer(2, 512, 100, types.PriceOne*2))             // pricier
	b.AddOffer(mkOffer(3, 768, 100, types.PriceOne*3))             // priciest

	// Clearing price = 2x: only offers 1 and 2 are eligible (minPrice <= 2x).
	fills, sold, err := b.ClearOffers(types.PriceOne*2, 150)
	if err != nil {
		t.Fatalf("ClearOffers: %v", err)
	}
	if sold != 150 {
		t.Fatalf("sold = %d, want 150", sold)
	}
	if len(fills) != 2 {
		t.Fatalf("len(fills) = %d, want 2", len(fills))
	}
	if fills[0].Owner != 1 || !fills[0].FullyConsumed || fills[0].ConsumedSellAmount != 100 {
		t.Fatalf("first fill = %+v, want fully-consumed owner 1 amount 100", fills[0])
	}
	if fills[1].Owner != 2 || fills[1].FullyConsumed || fills[1].ConsumedSellAmount != 50 {
		t.Fatalf("second fill = %+v, want partial owner 2 amount 50", fills[1])
	}

	if _, ok := b.CancelOffer(types.PriceOne, 1, 256); ok {
		t.Fatalf("fully-consumed offer still present after clearing")
	}
	remaining, ok := b.CancelOffer(types.PriceOne*2, 2, 512)
	if !ok || remaining.Amount != 50 {
		t.Fatalf("partially-consumed offer = %+v, %v, want amount 50", remaining, ok)
	}
	if _, ok := b.CancelOffer(types.PriceOne*3, 3, 768); !ok {
		t.Fatalf("ineligible offer (priced above clearing price) was consumed")
	}
}

func TestClearOffersStopsAtInsufficientDepth(t *testing.T) {
	b := NewBook(1, 2)
	b.AddOffer(mkOffer(1, 256, 50, types.PriceOne))
	fills, sold, err := b.ClearOffers(types.PriceOne, 1000)
	if err != nil {
		t.Fatalf("ClearOffers: %v", err)
	}
	if sold != 50 {
		t.Fatalf("sold = %d, want 50 (book exhausted)", sold)
	}
	if len(fills) != 1 || !fills[0].FullyConsumed {
		t.Fatalf("fills = %+v, want single fully-consumed fill", fills)
	}
}

func TestManagerCheckoutAndPartialFinish(t *testing.T) {
	m := NewManager(8)
	s1 := m.Checkout()
	s2 := m.Checkout()
	s1.AddOffer(mkOffer(1, 256, 10, types.PriceOne))
	s2.AddOffer(mkOffer(2, 512, 20, types.PriceOne))

	if err := m.PartialFinish(context.Background(), []*Staged{s1, s2}); err != nil {
		t.Fatalf("PartialFinish: %v", err)
	}

	book := m.bookFor(1, 2)
	if book.Size() != 2 {
		t.Fatalf("canonical book size = %d, want 2", book.Size())
	}
}

func TestSupplyDemandAggregatesEligibleOffers(t *testing.T) {
	m := NewManager(8)
	m.AddOffer(mkOffer(1, 256, 100, types.PriceOne))
	prices := make([]types.Price, 8)
	for i := range prices {
		prices[i] = types.PriceOne
	}
	supply, demand := m.SupplyDemand(prices)
	if supply[1] != 100 {
		t.Fatalf("supply[1] = %d, want 100", supply[1])
	}
	if demand[2] != 100 {
		t.Fatalf("demand[2] = %d, want 100", demand[2])
	}
}

func TestClearForProductionZeroTargetLeavesBookUntouched(t *testing.T) {
	m := NewManager(8)
	m.AddOffer(mkOffer(1, 256, 100, types.PriceOne))
	prices := make([]types.Price, 8)
	for i := range prices {
		prices[i] = types.PriceOne
	}
	results, err := m.ClearForProduction(context.Background(), prices, map[PairKey]uint64{})
	if err != nil {
		t.Fatalf("ClearForProduction: %v", err)
	}
	if len(results) != 1 || results[0].SoldTotal != 0 {
		t.Fatalf("results = %+v, want single untouched pair", results)
	}
	if m.bookFor(1, 2).Size() != 1 {
		t.Fatalf("book mutated despite zero target")
	}
}
