package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/ledger"
	"github.com/rebatelabs/rebatehook/types"
)

// SetRepayVenue binds the independent venue used for the repay leg of
// key. Execution requires a binding; there is no fallback venue.
func (e *Engine) SetRepayVenue(caller common.Address, key, repay types.PoolKey) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.repayVenues[key.ID()] = repay
	e.logger.Info("repay venue bound",
		zap.Uint64("pool", key.ID()),
		zap.Uint64("repay", repay.ID()))
	return nil
}

// SetMinProfitDefault sets the profit floor used when the caller does
// not supply one.
func (e *Engine) SetMinProfitDefault(caller common.Address, minProfit *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.minProfitDefault = new(big.Int).Set(minProfit)
	return nil
}

// SetMaxExecutionAmount caps the per-call execution amount; nil
// removes the cap.
func (e *Engine) SetMaxExecutionAmount(caller common.Address, max *big.Int) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if max == nil {
		e.maxExecutionAmount = nil
	} else {
		e.maxExecutionAmount = new(big.Int).Set(max)
	}
	return nil
}

// SetLPShareBps updates the liquidity-provider share of distributed
// profit.
func (e *Engine) SetLPShareBps(caller common.Address, bps uint64) error {
	if err := e.requireAdmin(caller); err != nil {
		return err
	}
	if bps > types.BpsDenominator {
		return fmt.Errorf("engine: lp share %d exceeds 10000 bps", bps)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lpShareBps = bps
	return nil
}

func (e *Engine) requireAdmin(caller common.Address) error {
	if caller != e.admin {
		return fmt.Errorf("%w: admin only", ledger.ErrUnauthorizedCaller)
	}
	return nil
}
