// Package tatonnement implements C11 TatonnementOracle + LPSolver: the
// iterative price search that drives one round's batch settlement toward
// market-clearing prices, arbitrated by a periodic linear-programming
// feasibility probe (spec §4.11).
package tatonnement

import (
	"context"
	"math"
	"time"

	"github.com/speedex-labs/batchengine/pkg/clock"
	"github.com/speedex-labs/batchengine/pkg/orderbook"
	"github.com/speedex-labs/batchengine/pkg/types"
)

// Params configures the dampened gradient descent and its periodic LP
// check. The exact dampening schedule and LP objective are left
// unspecified by the protocol (spec §9: "empirical in the source; a
// conformant implementation may choose any schedule so long as validation
// checks only the fixed-point property") — this is one concrete,
// deterministic choice.
type Params struct {
	NumAssets int
	// StepBudget bounds the number of gradient steps taken before falling
	// back to the best price vector found so far.
	StepBudget int
	// LPPeriod is how often (in steps) the LP feasibility probe runs.
	LPPeriod int
	// TimeoutMillis is the wall-clock budget for the whole search.
	TimeoutMillis int64
	// Eta0 is the initial step size in log-price space.
	Eta0 float64
	// DecayHalfLife controls the 1/(1+step/DecayHalfLife) step decay.
	DecayHalfLife float64
	// GradientNormThreshold triggers an early LP probe once the aggregate
	// excess-demand magnitude falls below it.
	GradientNormThreshold float64
}

// DefaultParams returns a reasonable baseline, overridable per-deployment
// via pkg/config.
func DefaultParams(numAssets int) Params {
	return Params{
		NumAssets:             numAssets,
		StepBudget:            10000,
		LPPeriod:              20,
		TimeoutMillis:         1000,
		Eta0:                  0.05,
		DecayHalfLife:         200,
		GradientNormThreshold: 1e-6,
	}
}

// Oracle runs the price search against one round's orderbook snapshot.
type Oracle struct {
	manager *orderbook.Manager
	clock   clock.Clock
	params  Params
}

// New constructs an Oracle bound to manager's current (read-only, for the
// duration of the search) books.
func New(manager *orderbook.Manager, clk clock.Clock, params Params) *Oracle {
	return &Oracle{manager: manager, clock: clk, params: params}
}

// Result is the oracle's output: a price vector and, if a feasible point
// was certified, the per-pair sell-asset volumes to clear at those prices.
type Result struct {
	Prices     []types.Price
	TargetSell map[orderbook.PairKey]uint64
	Feasible   bool
	Steps      int
}

// Search runs the dampened gradient descent, certifying candidate price
// vectors via the LP probe every LPPeriod steps (or sooner, once the
// excess-demand norm drops below the configured threshold), until
// StepBudget is exhausted, the wall-clock timeout fires, or stop is
// closed (spec §4.11's cooperative "shared stop flag": cancellation never
// invalidates already-produced best-so-far prices).
func (o *Oracle) Search(ctx context.Context, initial []types.Price, stop <-chan struct{}) (*Result, error) {
	n := len(initial)
	logPrices := make([]float64, n)
	for i, p := range initial {
		logPrices[i] = math.Log(p.Float())
	}

	timeout := o.clock.After(durationMillis(o.params.TimeoutMillis))

	var best *Result
	step := 0
	for ; step < o.params.StepBudget; step++ {
		select {
		case <-ctx.Done():
			return fallback(best, initial), ctx.Err()
		case <-stop:
			return fallback(best, initial), nil
		case <-timeout:
			return fallback(best, initial), nil
		default:
		}

		prices := pricesFromLog(logPrices)
		supply, demand := o.manager.SupplyDemand(prices)

		gradNorm := 0.0
		eta := o.params.Eta0 / (1 + float64(step)/o.params.DecayHalfLife)
		for i := 0; i < n; i++ {
			excess := float64(supply[i] - demand[i])
			gradNorm += math.Abs(excess)
			logPrices[i] -= eta * sign(excess)
		}

		dueForProbe := o.params.LPPeriod > 0 && step%o.params.LPPeriod == 0
		if dueForProbe || gradNorm < o.params.GradientNormThreshold {
			probed := pricesFromLog(logPrices)
			if r := o.probe(probed); r != nil {
				r.Steps = step + 1
				best = r
			}
			if gradNorm < o.params.GradientNormThreshold {
				break
			}
		}
	}

	return fallback(best, initial), nil
}

func durationMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

func pricesFromLog(logPrices []float64) []types.Price {
	out := make([]types.Price, len(logPrices))
	for i, lp := range logPrices {
		out[i] = types.FromFloat(math.Exp(lp))
	}
	return out
}

// fallback returns best if the search ever certified a feasible point, or
// the spec's "no-trade" fallback (current prices, zero clearing volumes)
// otherwise (spec §4.11: "falls back to no-trade by setting clearing
// volumes to 0").
func fallback(best *Result, initial []types.Price) *Result {
	if best != nil {
		return best
	}
	return &Result{Prices: append([]types.Price(nil), initial...), TargetSell: map[orderbook.PairKey]uint64{}, Feasible: false}
}
