package venue

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rebatelabs/rebatehook/types"
)

// Txn is a staged view of the market. All reads see staged state;
// nothing is visible to other callers until Commit. The market mutex
// is held for the transaction's lifetime, so a unit of work runs to
// completion without interleaving. Exactly one of Commit or Discard
// must be called.
type Txn struct {
	market   *Market
	pools    map[uint64]*pool
	balances map[common.Address]map[common.Address]*big.Int
	done     bool
}

// Begin opens a staged transaction. The caller must Commit or Discard.
func (m *Market) Begin() *Txn {
	m.mu.Lock()
	return &Txn{
		market:   m,
		pools:    make(map[uint64]*pool),
		balances: make(map[common.Address]map[common.Address]*big.Int),
	}
}

// Commit applies all staged mutations and releases the market.
func (t *Txn) Commit() {
	if t.done {
		return
	}
	t.done = true
	for id, p := range t.pools {
		t.market.pools[id] = p
	}
	for owner, assets := range t.balances {
		if t.market.balances[owner] == nil {
			t.market.balances[owner] = make(map[common.Address]*big.Int)
		}
		for asset, amount := range assets {
			t.market.balances[owner][asset] = amount
		}
	}
	t.market.mu.Unlock()
}

// Discard drops all staged mutations and releases the market. Safe to
// defer alongside Commit; it is a no-op once the transaction is done.
func (t *Txn) Discard() {
	if t.done {
		return
	}
	t.done = true
	t.market.mu.Unlock()
}

// PoolState returns the staged price and liquidity for key.
func (t *Txn) PoolState(key types.PoolKey) (types.PoolState, error) {
	p, err := t.pool(key)
	if err != nil {
		return types.PoolState{}, err
	}
	return p.state(), nil
}

// Balance returns the staged balance of asset for owner.
func (t *Txn) Balance(owner, asset common.Address) *big.Int {
	if b := t.balances[owner][asset]; b != nil {
		return new(big.Int).Set(b)
	}
	if b := t.market.balances[owner][asset]; b != nil {
		return new(big.Int).Set(b)
	}
	return big.NewInt(0)
}

// Transfer moves amount of asset from one owner to another within the
// staged state.
func (t *Txn) Transfer(asset, from, to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrZeroAmount
	}
	if amount.Sign() == 0 {
		return nil
	}
	fromBal := t.Balance(from, asset)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, amount)
	}
	t.setBalance(from, asset, fromBal.Sub(fromBal, amount))
	toBal := t.Balance(to, asset)
	t.setBalance(to, asset, toBal.Add(toBal, amount))
	return nil
}

// Swap executes one constant-product swap leg for trader. The input is
// debited, the output credited and reserves updated, all within the
// staged state. priceLimit bounds the post-swap price (a minimum when
// selling asset0, a maximum when selling asset1); pass nil for no
// limit.
func (t *Txn) Swap(key types.PoolKey, direction types.Direction, amountIn *big.Int, priceLimit *big.Int, trader common.Address) (types.SwapDelta, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return types.SwapDelta{}, ErrZeroAmount
	}
	p, err := t.pool(key)
	if err != nil {
		return types.SwapDelta{}, err
	}

	var assetIn, assetOut common.Address
	var reserveIn, reserveOut *big.Int
	if direction == types.SellAsset0 {
		assetIn, assetOut = key.Asset0, key.Asset1
		reserveIn, reserveOut = p.reserve0, p.reserve1
	} else {
		assetIn, assetOut = key.Asset1, key.Asset0
		reserveIn, reserveOut = p.reserve1, p.reserve0
	}

	// x*y=k with the fee taken from the input amount.
	effIn := new(big.Int).Mul(amountIn, big.NewInt(feeDenominator-int64(key.Fee)))
	effIn.Div(effIn, big.NewInt(feeDenominator))
	amountOut := new(big.Int).Mul(reserveOut, effIn)
	amountOut.Div(amountOut, new(big.Int).Add(reserveIn, effIn))
	if amountOut.Cmp(reserveOut) >= 0 {
		return types.SwapDelta{}, fmt.Errorf("%w: swap drains pool %s", ErrInsufficientBalance, key)
	}

	if err := t.Transfer(assetIn, trader, vaultAccount, amountIn); err != nil {
		return types.SwapDelta{}, err
	}
	t.creditFromVault(assetOut, trader, amountOut)

	reserveIn.Add(reserveIn, amountIn)
	reserveOut.Sub(reserveOut, amountOut)

	if priceLimit != nil {
		price := p.state().Price
		if direction == types.SellAsset0 && price.Cmp(priceLimit) < 0 {
			return types.SwapDelta{}, fmt.Errorf("%w: price %s below limit %s", ErrPriceLimit, price, priceLimit)
		}
		if direction == types.SellAsset1 && price.Cmp(priceLimit) > 0 {
			return types.SwapDelta{}, fmt.Errorf("%w: price %s above limit %s", ErrPriceLimit, price, priceLimit)
		}
	}

	return types.SwapDelta{
		AmountIn:  new(big.Int).Set(amountIn),
		AmountOut: amountOut,
	}, nil
}

// pool returns the staged copy of key's pool, cloning it on first use.
func (t *Txn) pool(key types.PoolKey) (*pool, error) {
	id := key.ID()
	if p, ok := t.pools[id]; ok {
		return p, nil
	}
	src, ok := t.market.pools[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPool, key)
	}
	cp := &pool{
		key:      src.key,
		reserve0: new(big.Int).Set(src.reserve0),
		reserve1: new(big.Int).Set(src.reserve1),
	}
	t.pools[id] = cp
	return cp, nil
}

func (t *Txn) setBalance(owner, asset common.Address, amount *big.Int) {
	if t.balances[owner] == nil {
		t.balances[owner] = make(map[common.Address]*big.Int)
	}
	t.balances[owner][asset] = amount
}

// vaultAccount is the settlement account swaps clear through. Its
// inventory is backed by pool reserves, which already bound every
// amountOut, so credits from it are not balance-checked.
var vaultAccount = common.BytesToAddress([]byte("venue.vault"))

func (t *Txn) creditFromVault(asset, to common.Address, amount *big.Int) {
	toBal := t.Balance(to, asset)
	t.setBalance(to, asset, toBal.Add(toBal, amount))
	vaultBal := t.Balance(vaultAccount, asset)
	t.setBalance(vaultAccount, asset, vaultBal.Sub(vaultBal, amount))
}
