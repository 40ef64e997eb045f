package tatonnement

import (
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize/convex/lp"

	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/types"
)

// probe formulates and solves the LP feasibility/objective check spec
// §4.11 describes: maximize total executed volume across every pair,
// subject to the protocol's central invariant that no asset's outgoing
// (sold) volume may exceed its incoming (bought) volume at the candidate
// prices (per-asset conservation of flow). A pair's own book depth at
// these prices is its upper bound.
//
// Returns nil if the LP found no better-than-nothing feasible point.
func (o *Oracle) probe(prices []types.Price) *Result {
	depths := o.manager.PairDepths(prices)
	if len(depths) == 0 {
		return &Result{Prices: prices, TargetSell: map[orderbook.PairKey]uint64{}, Feasible: true}
	}

	pairs := make([]orderbook.PairKey, 0, len(depths))
	for k := range depths {
		pairs = append(pairs, k)
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Sell != pairs[j].Sell {
			return pairs[i].Sell < pairs[j].Sell
		}
		return pairs[i].Buy < pairs[j].Buy
	})

	assets := make(map[types.AssetID]bool)
	for _, pk := range pairs {
		assets[pk.Sell] = true
		assets[pk.Buy] = true
	}
	assetIDs := make([]types.AssetID, 0, len(assets))
	for a := range assets {
		assetIDs = append(assetIDs, a)
	}
	sort.Slice(assetIDs, func(i, j int) bool { return assetIDs[i] < assetIDs[j] })
	assetIndex := make(map[types.AssetID]int, len(assetIDs))
	for i, a := range assetIDs {
		assetIndex[a] = i
	}

	P := len(pairs)
	N := len(assetIDs)
	nVars := 2*P + N // x_i (flow), capSlack_i, assetSlack_A
	nRows := P + N

	A := mat.NewDense(nRows, nVars, nil)
	b := make([]float64, nRows)
	c := make([]float64, nVars) // minimize -sum(x_i) == maximize sum(x_i)

	for i, pk := range pairs {
		c[i] = -1
		A.Set(i, i, 1)
		A.Set(i, P+i, 1)
		b[i] = float64(depths[pk])
	}

	for i, pk := range pairs {
		price, ok := o.manager.PairPrice(prices, pk.Sell, pk.Buy)
		if !ok {
			continue
		}
		coeff := price.Float()
		sellRow := P + assetIndex[pk.Sell]
		buyRow := P + assetIndex[pk.Buy]
		A.Set(sellRow, i, A.At(sellRow, i)+1)
		A.Set(buyRow, i, A.At(buyRow, i)-coeff)
	}
	for a := range assetIDs {
		row := P + a
		A.Set(row, 2*P+a, 1)
		b[row] = 0
	}

	const tol = 1e-9
	_, x, err := lp.Simplex(c, A, b, tol, nil)
	if err != nil {
		return nil
	}

	targetSell := make(map[orderbook.PairKey]uint64, P)
	var total float64
	for i, pk := range pairs {
		vol := x[i]
		if vol < 0 {
			vol = 0
		}
		total += vol
		targetSell[pk] = uint64(vol)
	}
	if total <= 0 {
		return nil
	}
	return &Result{Prices: append([]types.Price(nil), prices...), TargetSell: targetSell, Feasible: true}
}
