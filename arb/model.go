// Package arb implements the pure arbitrage math: confidence bands
// around the reference price, divergence in basis points, advantageous
// direction, conservative opportunity sizing and the protocol's capture
// share. Every function is deterministic and stateless; two calls with
// identical inputs return identical outputs.
//
// All functions fail closed on degenerate inputs. A zero price, zero
// liquidity or zero amount yields "no opportunity" (zero / false), not
// an error: a fresh pool legitimately reports zeros and must never
// trigger capture.
package arb

import (
	"math"
	"math/big"

	"github.com/rebatelabs/rebatehook/types"
)

// MinConfidenceBps floors the confidence half-width at 0.1% of the
// oracle price so an implausibly tight feed cannot produce a
// degenerate zero-width band.
const MinConfidenceBps = 10

// Params carries one divergence evaluation. All prices are WAD.
type Params struct {
	PoolPrice        *big.Int
	OraclePrice      *big.Int
	OracleConfidence *big.Int
	SwapAmount       *big.Int
	Direction        types.Direction
}

// Result is the outcome of Analyze.
type Result struct {
	OpportunityAmount *big.Int
	ShouldCapture     bool
	CaptureAmount     *big.Int
	OutsideBand       bool
	DivergenceBps     uint64
}

// PriceBounds returns the confidence interval around oraclePrice. The
// half-width is the larger of the reported confidence and the
// MinConfidenceBps floor; the lower bound never goes below zero.
func PriceBounds(oraclePrice, confidence *big.Int) (lower, upper *big.Int) {
	if oraclePrice == nil || oraclePrice.Sign() <= 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	eff := types.MulDivBps(oraclePrice, MinConfidenceBps)
	if confidence != nil && confidence.Cmp(eff) > 0 {
		eff = new(big.Int).Set(confidence)
	}
	lower = new(big.Int).Sub(oraclePrice, eff)
	if lower.Sign() < 0 {
		lower.SetInt64(0)
	}
	upper = new(big.Int).Add(oraclePrice, eff)
	return lower, upper
}

// IsOutsideConfidenceBand reports whether poolPrice sits outside the
// confidence interval. A zero price on either side means "no signal"
// and returns false: upstream zeros are uninitialized state, and
// capturing on uninitialized state is unsafe.
func IsOutsideConfidenceBand(poolPrice, oraclePrice, confidence *big.Int) bool {
	if poolPrice == nil || poolPrice.Sign() <= 0 || oraclePrice == nil || oraclePrice.Sign() <= 0 {
		return false
	}
	lower, upper := PriceBounds(oraclePrice, confidence)
	return poolPrice.Cmp(lower) < 0 || poolPrice.Cmp(upper) > 0
}

// DivergenceBps returns |poolPrice - oraclePrice| relative to
// oraclePrice in basis points, zero when oraclePrice is zero.
func DivergenceBps(poolPrice, oraclePrice *big.Int) uint64 {
	if poolPrice == nil || oraclePrice == nil || oraclePrice.Sign() <= 0 {
		return 0
	}
	diff := new(big.Int).Sub(poolPrice, oraclePrice)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(types.BpsDenominator))
	diff.Div(diff, oraclePrice)
	if !diff.IsUint64() {
		return math.MaxUint64
	}
	return diff.Uint64()
}

// IsAdvantageous reports whether taking the given side of the trade
// profits from the dislocation: selling asset0 is advantageous when the
// pool pays more than fair value (poolPrice > oraclePrice), selling
// asset1 when it pays less.
func IsAdvantageous(poolPrice, oraclePrice *big.Int, direction types.Direction) bool {
	if poolPrice == nil || poolPrice.Sign() <= 0 || oraclePrice == nil || oraclePrice.Sign() <= 0 {
		return false
	}
	if direction == types.SellAsset0 {
		return poolPrice.Cmp(oraclePrice) > 0
	}
	return poolPrice.Cmp(oraclePrice) < 0
}

// OpportunitySize estimates the capturable amount using the far bound
// of the confidence interval instead of the raw oracle price. The
// estimate deliberately undershoots: measuring the gap from the far
// bound builds in a safety margin against oracle noise. Returns zero
// when the pool price has not crossed even the conservative bound.
func OpportunitySize(p Params) *big.Int {
	if p.PoolPrice == nil || p.PoolPrice.Sign() <= 0 ||
		p.OraclePrice == nil || p.OraclePrice.Sign() <= 0 ||
		p.SwapAmount == nil || p.SwapAmount.Sign() <= 0 {
		return big.NewInt(0)
	}
	lower, upper := PriceBounds(p.OraclePrice, p.OracleConfidence)

	if p.Direction == types.SellAsset0 {
		// Capturing on the sell-asset0 side needs the pool price above
		// the upper bound.
		if p.PoolPrice.Cmp(upper) <= 0 {
			return big.NewInt(0)
		}
		gap := new(big.Int).Sub(p.PoolPrice, upper)
		gap.Mul(gap, p.SwapAmount)
		return gap.Div(gap, p.PoolPrice)
	}

	if lower.Sign() <= 0 || p.PoolPrice.Cmp(lower) >= 0 {
		return big.NewInt(0)
	}
	gap := new(big.Int).Sub(lower, p.PoolPrice)
	gap.Mul(gap, p.SwapAmount)
	return gap.Div(gap, lower)
}

// CaptureShare returns the protocol's cut of an opportunity.
func CaptureShare(opportunity *big.Int, shareBps uint64) *big.Int {
	if opportunity == nil || opportunity.Sign() <= 0 {
		return big.NewInt(0)
	}
	return types.MulDivBps(opportunity, shareBps)
}

// Analyze composes the band, divergence and direction checks into a
// capture decision. Divergence exactly at minDivergenceBps triggers
// capture. The capture amount is computed only when all three gates
// pass; otherwise it is zero.
func Analyze(p Params, captureShareBps, minDivergenceBps uint64) Result {
	res := Result{
		OpportunityAmount: big.NewInt(0),
		CaptureAmount:     big.NewInt(0),
		OutsideBand:       IsOutsideConfidenceBand(p.PoolPrice, p.OraclePrice, p.OracleConfidence),
		DivergenceBps:     DivergenceBps(p.PoolPrice, p.OraclePrice),
	}
	res.ShouldCapture = res.OutsideBand &&
		res.DivergenceBps >= minDivergenceBps &&
		IsAdvantageous(p.PoolPrice, p.OraclePrice, p.Direction)
	if !res.ShouldCapture {
		return res
	}
	res.OpportunityAmount = OpportunitySize(p)
	res.CaptureAmount = CaptureShare(res.OpportunityAmount, captureShareBps)
	return res
}

// EstimateBackrunAmount sizes the corrective trade as
// liquidity * |priceDiff| / oraclePrice, capped at half the available
// liquidity. The linear approximation overestimates the amount needed
// as depth is consumed; an uncapped backrun would over-trade and open
// a fresh dislocation in the opposite direction.
func EstimateBackrunAmount(poolPrice, oraclePrice, liquidity *big.Int, _ types.Direction) *big.Int {
	if poolPrice == nil || poolPrice.Sign() <= 0 ||
		oraclePrice == nil || oraclePrice.Sign() <= 0 ||
		liquidity == nil || liquidity.Sign() <= 0 {
		return big.NewInt(0)
	}
	diff := new(big.Int).Sub(poolPrice, oraclePrice)
	diff.Abs(diff)
	amount := new(big.Int).Mul(liquidity, diff)
	amount.Div(amount, oraclePrice)

	cap := new(big.Int).Div(liquidity, big.NewInt(2))
	if amount.Cmp(cap) > 0 {
		return cap
	}
	return amount
}
