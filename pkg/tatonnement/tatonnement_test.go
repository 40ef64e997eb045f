package tatonnement

import (
	"context"
	"testing"

	"github.com/speedex-labs/batchengine/pkg/clock"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/types"
)

func TestSearchReturnsNoTradeFallbackWithEmptyBooks(t *testing.T) {
	m := orderbook.NewManager(4)
	params := DefaultParams(4)
	params.StepBudget = 5
	o := New(m, clock.RealClock{}, params)

	initial := make([]types.Price, 4)
	for i := range initial {
		initial[i] = types.PriceOne
	}

	result, err := o.Search(context.Background(), initial, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(result.TargetSell) != 0 {
		t.Fatalf("TargetSell = %v, want empty (no books)", result.TargetSell)
	}
}

func TestSearchCertifiesFeasiblePointWithOneBook(t *testing.T) {
	m := orderbook.NewManager(4)
	m.AddOffer(orderbook.Offer{Owner: 1, OfferID: 256, SellAsset: 1, BuyAsset: 2, Amount: 100, MinPrice: types.PriceOne})

	params := DefaultParams(4)
	params.StepBudget = 20
	params.LPPeriod = 1
	o := New(m, clock.RealClock{}, params)

	initial := make([]types.Price, 4)
	for i := range initial {
		initial[i] = types.PriceOne
	}

	result, err := o.Search(context.Background(), initial, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if !result.Feasible {
		t.Fatalf("Feasible = false, want true (single eligible book)")
	}
	key := orderbook.PairKey{Sell: 1, Buy: 2}
	if result.TargetSell[key] == 0 {
		t.Fatalf("TargetSell[%v] = 0, want > 0", key)
	}
}

func TestSearchStopsOnSignal(t *testing.T) {
	m := orderbook.NewManager(4)
	params := DefaultParams(4)
	params.StepBudget = 1000000
	o := New(m, clock.RealClock{}, params)

	stop := make(chan struct{})
	close(stop)

	initial := make([]types.Price, 4)
	for i := range initial {
		initial[i] = types.PriceOne
	}
	result, err := o.Search(context.Background(), initial, stop)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if result == nil {
		t.Fatalf("result is nil")
	}
}
