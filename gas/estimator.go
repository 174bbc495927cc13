// Package gas estimates the keeper's execution overhead. The keeper
// adds this overhead to its configured minimum profit so a backrun
// that only beats the on-chain gate but not its own submission cost is
// never submitted.
package gas

import (
	"math/big"
	"sync"

	"go.uber.org/zap"
)

// Estimator tracks a gas price and converts gas units into an
// asset-denominated cost.
type Estimator struct {
	mu       sync.RWMutex
	gasPrice *big.Int // cost per gas unit, in the execution asset's units
	logger   *zap.Logger
}

// NewEstimator creates an estimator with the given starting gas price.
func NewEstimator(gasPrice *big.Int, logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	return &Estimator{
		gasPrice: new(big.Int).Set(gasPrice),
		logger:   logger,
	}
}

// SetGasPrice updates the tracked gas price.
func (e *Estimator) SetGasPrice(price *big.Int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gasPrice = new(big.Int).Set(price)
	e.logger.Debug("gas price updated", zap.String("price", price.String()))
}

// Cost returns gasLimit * gasPrice.
func (e *Estimator) Cost(gasLimit uint64) *big.Int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cost := new(big.Int).SetUint64(gasLimit)
	return cost.Mul(cost, e.gasPrice)
}
