package types

import "math/bits"

// PriceRadixBits is the number of fractional bits in the fixed-point Price
// representation (spec §3: "radix R, implementation free to choose ≥ 20
// bits"). 32 gives ample headroom for tâtonnement's iterative scaling
// without losing precision on thinly priced assets.
const PriceRadixBits = 32

// PriceOne is the fixed-point representation of 1.0.
const PriceOne Price = 1 << PriceRadixBits

// Price is a fixed-point, radix-PriceRadixBits unsigned price. Ratios
// between prices are computed with 128-bit intermediates to avoid overflow
// (spec §3).
type Price uint64

// FromFloat converts a float64 price into fixed point. Used at
// genesis/config boundaries, in tests, and by the tâtonnement search's
// log-price iteration; clearing and settlement arithmetic never touch float64.
func FromFloat(f float64) Price {
	return Price(f * float64(PriceOne))
}

func (p Price) Float() float64 {
	return float64(p) / float64(PriceOne)
}

// MulDiv computes floor(p * num / den) using a 128-bit intermediate product,
// the core operation behind partial-clearing settlement arithmetic (spec
// §4.6) and tâtonnement's excess-demand accumulation.
func MulDiv(p Price, num, den uint64) (Price, bool) {
	if den == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(p), num)
	q, rem := bits.Div64(hi, lo, den)
	_ = rem
	return Price(q), true
}

// Ratio returns a/b as a fixed-point Price, i.e. floor((a << R) / b).
func Ratio(a, b uint64) (Price, bool) {
	if b == 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(a, uint64(PriceOne))
	if hi >= b {
		// overflow: ratio too large to represent
		return 0, false
	}
	q, _ := bits.Div64(hi, lo, b)
	return Price(q), true
}

// ScaleAmount computes floor(amount * p) where p is a fixed-point ratio,
// i.e. floor(amount * p.raw / 2^R). Used to convert a sell-side amount into
// its buy-side counterpart at a given clearing price (spec §4.6).
func ScaleAmount(amount int64, p Price) (int64, bool) {
	if amount < 0 {
		return 0, false
	}
	hi, lo := bits.Mul64(uint64(amount), uint64(p))
	shifted := shiftRight128(hi, lo, PriceRadixBits)
	if shifted > uint64(1)<<62 {
		return 0, false
	}
	return int64(shifted), true
}

// shiftRight128 computes (hi:lo) >> n for 0 <= n < 64.
func shiftRight128(hi, lo uint64, n uint) uint64 {
	if n == 0 {
		return lo
	}
	return (hi << (64 - n)) | (lo >> n)
}
