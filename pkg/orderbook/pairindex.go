package orderbook

import "github.com/speedex-labs/batchengine/pkg/types"

// PairIndex computes the row-major, diagonal-skipping index of a directed
// (sell, buy) pair among the numAssets*(numAssets-1) possible pairs (spec
// §6's ClearingDetails layout: "BookClearing[numAssets*(numAssets-1)]").
// Row sell holds numAssets-1 entries, one per buy asset other than sell
// itself, in ascending buy order.
func PairIndex(sell, buy types.AssetID, numAssets int) int {
	row := int(sell) * (numAssets - 1)
	if int(buy) < int(sell) {
		return row + int(buy)
	}
	return row + int(buy) - 1
}

// AllPairs enumerates every directed (sell, buy) pair for numAssets assets
// in the same order PairIndex assigns, i.e. the canonical ClearingDetails
// ordering.
func AllPairs(numAssets int) []PairKey {
	pairs := make([]PairKey, 0, numAssets*(numAssets-1))
	for sell := 0; sell < numAssets; sell++ {
		for buy := 0; buy < numAssets; buy++ {
			if sell == buy {
				continue
			}
			pairs = append(pairs, PairKey{Sell: types.AssetID(sell), Buy: types.AssetID(buy)})
		}
	}
	return pairs
}
