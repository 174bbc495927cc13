// Package venue implements the swap-execution host consumed by the
// hook and the backrun engine: constant-product pools addressed by
// PoolKey, per-principal token balances and a staged transaction that
// confines every mutation until an explicit commit. Discarding the
// transaction is the structural rollback the execution engine relies
// on: either all effects of a unit of work apply, or none do.
package venue

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/types"
)

var (
	// ErrUnknownPool is returned for pool keys that were never added.
	ErrUnknownPool = errors.New("venue: unknown pool")
	// ErrInsufficientBalance is returned when a transfer or swap debit
	// exceeds the payer's balance.
	ErrInsufficientBalance = errors.New("venue: insufficient balance")
	// ErrPriceLimit is returned when a swap would move the pool price
	// past the caller's limit.
	ErrPriceLimit = errors.New("venue: price limit reached")
	// ErrZeroAmount is returned for zero or negative swap amounts.
	ErrZeroAmount = errors.New("venue: zero amount")
)

// feeDenominator is the pool fee scale (hundredths of a bip).
const feeDenominator = 1_000_000

// Market is an in-memory venue holding pools and balances. One staged
// transaction runs at a time; readers block while it is open.
type Market struct {
	mu       sync.Mutex
	pools    map[uint64]*pool
	balances map[common.Address]map[common.Address]*big.Int
	block    uint64
	logger   *zap.Logger
}

type pool struct {
	key      types.PoolKey
	reserve0 *big.Int
	reserve1 *big.Int
}

// NewMarket creates an empty market starting at block 1.
func NewMarket(logger *zap.Logger) *Market {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Market{
		pools:    make(map[uint64]*pool),
		balances: make(map[common.Address]map[common.Address]*big.Int),
		block:    1,
		logger:   logger,
	}
}

// AddPool seeds a pool with the given reserves.
func (m *Market) AddPool(key types.PoolKey, reserve0, reserve1 *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reserve0 == nil || reserve0.Sign() <= 0 || reserve1 == nil || reserve1.Sign() <= 0 {
		return fmt.Errorf("venue: pool %s needs positive reserves", key)
	}
	m.pools[key.ID()] = &pool{
		key:      key,
		reserve0: new(big.Int).Set(reserve0),
		reserve1: new(big.Int).Set(reserve1),
	}
	return nil
}

// Mint credits owner with amount of asset.
func (m *Market) Mint(owner, asset common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.balances[owner] == nil {
		m.balances[owner] = make(map[common.Address]*big.Int)
	}
	cur := m.balances[owner][asset]
	if cur == nil {
		cur = big.NewInt(0)
	}
	m.balances[owner][asset] = new(big.Int).Add(cur, amount)
}

// Balance returns owner's committed balance of asset.
func (m *Market) Balance(owner, asset common.Address) *big.Int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b := m.balances[owner][asset]; b != nil {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// PoolState returns the committed price and liquidity for key.
func (m *Market) PoolState(key types.PoolKey) (types.PoolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pools[key.ID()]
	if !ok {
		return types.PoolState{}, fmt.Errorf("%w: %s", ErrUnknownPool, key)
	}
	return p.state(), nil
}

// BlockNumber returns the current block height.
func (m *Market) BlockNumber() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.block
}

// AdvanceBlock moves the block clock forward by one.
func (m *Market) AdvanceBlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block++
}

func (p *pool) state() types.PoolState {
	price := new(big.Int).Mul(p.reserve1, types.WAD)
	price.Div(price, p.reserve0)
	liq := new(big.Int).Mul(p.reserve0, p.reserve1)
	return types.PoolState{Price: price, Liquidity: liq.Sqrt(liq)}
}
