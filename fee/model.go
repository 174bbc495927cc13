// Package fee maps pool state to a recommended swap fee override. The
// model is a fixed five-rule pipeline: thin-liquidity protection, MEV
// risk premium, volatility scaling, medium-liquidity scaling, then a
// single final clamp. Rule order matters: intermediate results may
// exceed the maximum fee on purpose, so later multipliers operate on
// the already-elevated base before the clamp.
package fee

import (
	"math/big"

	"github.com/rebatelabs/rebatehook/arb"
	"github.com/rebatelabs/rebatehook/types"
)

// Config holds the fee model tunables. Fees are expressed in
// hundredths of a bip (ppm), matching the venue's fee units.
type Config struct {
	BaseFee uint32
	MinFee  uint32
	MaxFee  uint32

	// LiquidityFloor is the safety floor below which the maximum fee
	// applies unconditionally.
	LiquidityFloor *big.Int

	// MEVRiskThresholdBps is the divergence above which the premium is
	// added. Strictly greater-than, unlike the capture threshold.
	MEVRiskThresholdBps uint64
	MEVRiskPremium      uint32

	// VolatilityMultiplierBps scales the fee when the volatility score
	// exceeds 50 (15000 == 1.5x).
	VolatilityMultiplierBps uint64

	// LowLiquidityMultiplierBps is the scaling applied at the
	// liquidity floor; it interpolates linearly down to 1.0x at ten
	// times the floor.
	LowLiquidityMultiplierBps uint64
}

// PoolSnapshot is the input to one fee evaluation.
type PoolSnapshot struct {
	PoolPrice   *big.Int
	OraclePrice *big.Int
	Liquidity   *big.Int
	// Volatility is an externally tracked score on a 0-100 scale.
	Volatility uint8
}

// Recommend evaluates the pipeline and returns the fee to apply and
// whether it overrides the pool's static fee.
func Recommend(snap PoolSnapshot, cfg Config) (uint32, bool) {
	// Rule 1: thin pools get the maximum fee, short-circuiting the
	// rest. Manipulation is cheapest where depth is lowest.
	if snap.Liquidity == nil || (cfg.LiquidityFloor != nil && snap.Liquidity.Cmp(cfg.LiquidityFloor) < 0) {
		return cfg.MaxFee, true
	}

	fee := uint64(cfg.BaseFee)
	override := false

	// Rule 2: MEV risk premium on divergence.
	if arb.DivergenceBps(snap.PoolPrice, snap.OraclePrice) > cfg.MEVRiskThresholdBps {
		fee += uint64(cfg.MEVRiskPremium)
		override = true
	}

	// Rule 3: volatility scaling.
	if snap.Volatility > 50 && cfg.VolatilityMultiplierBps > 0 {
		fee = fee * cfg.VolatilityMultiplierBps / types.BpsDenominator
		override = true
	}

	// Rule 4: medium-liquidity band, inverse-linear between the floor
	// (LowLiquidityMultiplierBps) and ten times the floor (1.0x).
	if m := mediumLiquidityMultiplierBps(snap.Liquidity, cfg); m != types.BpsDenominator {
		fee = fee * m / types.BpsDenominator
		override = true
	}

	// Rule 5: single final clamp.
	if fee > uint64(cfg.MaxFee) {
		fee = uint64(cfg.MaxFee)
	}
	if fee < uint64(cfg.MinFee) {
		fee = uint64(cfg.MinFee)
	}
	return uint32(fee), override
}

// mediumLiquidityMultiplierBps interpolates the fee multiplier for
// pools between the floor and 10x the floor. Returns 10_000 (1.0x)
// outside the band or when the config disables it.
func mediumLiquidityMultiplierBps(liquidity *big.Int, cfg Config) uint64 {
	if cfg.LiquidityFloor == nil || cfg.LiquidityFloor.Sign() <= 0 ||
		cfg.LowLiquidityMultiplierBps <= types.BpsDenominator {
		return types.BpsDenominator
	}
	upper := new(big.Int).Mul(cfg.LiquidityFloor, big.NewInt(10))
	if liquidity.Cmp(upper) >= 0 {
		return types.BpsDenominator
	}

	// m = low - (low - 10000) * (liquidity - floor) / (9 * floor)
	span := new(big.Int).Sub(upper, new(big.Int).Set(cfg.LiquidityFloor))
	pos := new(big.Int).Sub(liquidity, cfg.LiquidityFloor)
	if pos.Sign() < 0 {
		pos.SetInt64(0)
	}
	slope := new(big.Int).SetUint64(cfg.LowLiquidityMultiplierBps - types.BpsDenominator)
	drop := new(big.Int).Mul(slope, pos)
	drop.Div(drop, span)
	return cfg.LowLiquidityMultiplierBps - drop.Uint64()
}
