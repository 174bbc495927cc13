// Package hook holds the swap-host-facing logic: the pre-swap
// arbitrage capture and fee override, and the post-swap divergence
// check that records backrun opportunities and signals keepers. The
// hook is the only authorized recorder in a normal deployment.
package hook

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/arb"
	"github.com/rebatelabs/rebatehook/fee"
	"github.com/rebatelabs/rebatehook/ledger"
	"github.com/rebatelabs/rebatehook/oracle"
	"github.com/rebatelabs/rebatehook/types"
	"github.com/rebatelabs/rebatehook/venue"
)

// DefaultCaptureShareBps is the protocol's default cut of a detected
// opportunity.
const DefaultCaptureShareBps = 5000

// DefaultMinDivergenceBps is the default capture threshold.
const DefaultMinDivergenceBps = 50

// Hook evaluates swaps against the oracle reference price.
type Hook struct {
	addr   common.Address // the recorder principal
	admin  common.Address
	prices *oracle.Adapter
	book   *ledger.Ledger
	market *venue.Market
	bus    *SignalBus

	mu               sync.Mutex
	captureShareBps  uint64
	minDivergenceBps uint64
	feeConfig        fee.Config

	logger *zap.Logger
}

// SwapDecision is the pre-swap outcome returned to the host.
type SwapDecision struct {
	// CaptureAmount is the protocol's claim on the detected
	// opportunity; zero when no capture is warranted.
	CaptureAmount *big.Int
	// Fee is the recommended swap fee; only meaningful when
	// FeeOverride is set.
	Fee         uint32
	FeeOverride bool
	Analysis    arb.Result
}

// New creates a hook. addr must be granted the recorder capability on
// book for AfterSwap to record.
func New(addr, admin common.Address, prices *oracle.Adapter, book *ledger.Ledger, market *venue.Market, bus *SignalBus, feeConfig fee.Config, logger *zap.Logger) *Hook {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		addr:             addr,
		admin:            admin,
		prices:           prices,
		book:             book,
		market:           market,
		bus:              bus,
		captureShareBps:  DefaultCaptureShareBps,
		minDivergenceBps: DefaultMinDivergenceBps,
		feeConfig:        feeConfig,
		logger:           logger,
	}
}

// Bus returns the hook's signal bus.
func (h *Hook) Bus() *SignalBus { return h.bus }

// BeforeSwap evaluates the incoming swap. It returns the capture
// decision and fee recommendation. An oracle failure fails closed: the
// error propagates and no capture or override is derived from a stale
// or missing price.
func (h *Hook) BeforeSwap(ctx context.Context, key types.PoolKey, direction types.Direction, amountIn *big.Int, volatility uint8) (SwapDecision, error) {
	state, err := h.market.PoolState(key)
	if err != nil {
		return SwapDecision{}, fmt.Errorf("hook: pool state: %w", err)
	}
	ref, err := h.prices.Latest(ctx, key.Asset0, key.Asset1)
	if err != nil {
		return SwapDecision{}, fmt.Errorf("hook: reference price: %w", err)
	}

	captureBps, minDivBps, feeCfg := h.params()
	result := arb.Analyze(arb.Params{
		PoolPrice:        state.Price,
		OraclePrice:      ref.Price,
		OracleConfidence: ref.Confidence,
		SwapAmount:       amountIn,
		Direction:        direction,
	}, captureBps, minDivBps)

	recommended, override := fee.Recommend(fee.PoolSnapshot{
		PoolPrice:   state.Price,
		OraclePrice: ref.Price,
		Liquidity:   state.Liquidity,
		Volatility:  volatility,
	}, feeCfg)

	if result.ShouldCapture {
		h.logger.Debug("pre-swap capture",
			zap.Uint64("pool", key.ID()),
			zap.Uint64("divergence_bps", result.DivergenceBps),
			zap.String("capture", result.CaptureAmount.String()))
	}
	return SwapDecision{
		CaptureAmount: result.CaptureAmount,
		Fee:           recommended,
		FeeOverride:   override,
		Analysis:      result,
	}, nil
}

// AfterSwap re-checks divergence once the swap has settled and, when a
// backrun is warranted, records the opportunity and signals keepers.
// An oracle failure is logged and skipped: no recording ever happens
// against a stale reference.
func (h *Hook) AfterSwap(ctx context.Context, key types.PoolKey) error {
	state, err := h.market.PoolState(key)
	if err != nil {
		return fmt.Errorf("hook: pool state: %w", err)
	}
	ref, err := h.prices.Latest(ctx, key.Asset0, key.Asset1)
	if err != nil {
		return fmt.Errorf("hook: reference price: %w", err)
	}

	_, minDivBps, _ := h.params()
	if !arb.IsOutsideConfidenceBand(state.Price, ref.Price, ref.Confidence) {
		return nil
	}
	if arb.DivergenceBps(state.Price, ref.Price) < minDivBps {
		return nil
	}

	// The backrun sells into whichever side the pool now overpays.
	direction := types.SellAsset0
	if state.Price.Cmp(ref.Price) < 0 {
		direction = types.SellAsset1
	}
	amount := arb.EstimateBackrunAmount(state.Price, ref.Price, state.Liquidity, direction)
	if amount.Sign() == 0 {
		return nil
	}

	block := h.market.BlockNumber()
	if err := h.book.Record(h.addr, key, ref.Price, state.Price, amount, direction, block, time.Now()); err != nil {
		return fmt.Errorf("hook: record: %w", err)
	}
	h.bus.Publish(OpportunitySignal{
		PoolKey:      key,
		TargetPrice:  new(big.Int).Set(ref.Price),
		CurrentPrice: new(big.Int).Set(state.Price),
		Amount:       new(big.Int).Set(amount),
		Direction:    direction,
		Block:        block,
	})
	return nil
}

// SetCaptureShareBps updates the protocol's capture share.
func (h *Hook) SetCaptureShareBps(caller common.Address, bps uint64) error {
	if caller != h.admin {
		return fmt.Errorf("%w: admin only", ledger.ErrUnauthorizedCaller)
	}
	if bps > types.BpsDenominator {
		return fmt.Errorf("hook: capture share %d exceeds 10000 bps", bps)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.captureShareBps = bps
	return nil
}

// SetMinDivergenceBps updates the capture threshold.
func (h *Hook) SetMinDivergenceBps(caller common.Address, bps uint64) error {
	if caller != h.admin {
		return fmt.Errorf("%w: admin only", ledger.ErrUnauthorizedCaller)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minDivergenceBps = bps
	return nil
}

func (h *Hook) params() (captureBps, minDivBps uint64, feeCfg fee.Config) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.captureShareBps, h.minDivergenceBps, h.feeConfig
}
