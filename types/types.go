// Package types defines the shared domain types for the rebate hook:
// pool keys, swap directions, price points and recorded backrun
// opportunities. All prices are fixed-point with 18 decimals (WAD) and
// all ratios are expressed in basis points.
package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
)

// WAD is the fixed-point scale used for all prices (18 decimals).
var WAD = big.NewInt(1e18)

// BpsDenominator is the basis-point scale (100% == 10_000 bps).
const BpsDenominator = 10_000

// Direction identifies which side of a pool a swap sells.
type Direction uint8

const (
	// SellAsset0 sells asset0 for asset1 (price moves down).
	SellAsset0 Direction = iota
	// SellAsset1 sells asset1 for asset0 (price moves up).
	SellAsset1
)

// Opposite returns the reverse trade direction.
func (d Direction) Opposite() Direction {
	if d == SellAsset0 {
		return SellAsset1
	}
	return SellAsset0
}

func (d Direction) String() string {
	if d == SellAsset0 {
		return "sell0"
	}
	return "sell1"
}

// PoolKey identifies a pool: an ordered asset pair plus a fee tier in
// hundredths of a bip, matching the venue's pool addressing scheme.
type PoolKey struct {
	Asset0 common.Address
	Asset1 common.Address
	Fee    uint32
}

// ID returns a stable 64-bit identifier for the pool, used as the map
// key in the ledger and as a compact log field.
func (k PoolKey) ID() uint64 {
	var buf [43]byte
	copy(buf[0:20], k.Asset0.Bytes())
	copy(buf[20:40], k.Asset1.Bytes())
	buf[40] = byte(k.Fee >> 16)
	buf[41] = byte(k.Fee >> 8)
	buf[42] = byte(k.Fee)
	return xxhash.Sum64(buf[:])
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s/%s@%d", k.Asset0.Hex()[:10], k.Asset1.Hex()[:10], k.Fee)
}

// PoolState is a point-in-time read of a pool's price and liquidity.
type PoolState struct {
	Price     *big.Int // asset1 per asset0, WAD
	Liquidity *big.Int
}

// PricePoint is a normalized oracle observation. Immutable once read
// within a unit of work.
type PricePoint struct {
	Price      *big.Int // WAD
	Confidence *big.Int // WAD, symmetric half-width of the band
	UpdatedAt  time.Time
}

// BackrunOpportunity is the single per-pool slot recorded by the hook
// after a price-moving swap. Only the most recent opportunity per pool
// is retained; a new recording overwrites the slot unconditionally.
type BackrunOpportunity struct {
	PoolKey       PoolKey
	TargetPrice   *big.Int // oracle price the backrun should restore, WAD
	CurrentPrice  *big.Int // pool price at recording time, WAD
	BackrunAmount *big.Int
	Direction     Direction
	RecordedAt    time.Time
	RecordedBlock uint64
	Executed      bool
}

// SwapDelta is the signed balance change of one swap leg: the amount
// consumed from the input asset and produced of the output asset.
type SwapDelta struct {
	AmountIn  *big.Int
	AmountOut *big.Int
}

// MulDivBps scales x by bps/10_000, rounding down.
func MulDivBps(x *big.Int, bps uint64) *big.Int {
	out := new(big.Int).Mul(x, new(big.Int).SetUint64(bps))
	return out.Div(out, big.NewInt(BpsDenominator))
}

// BigMin returns the smaller of a and b without mutating either.
func BigMin(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
