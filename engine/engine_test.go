package engine

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rebatelabs/rebatehook/ledger"
	"github.com/rebatelabs/rebatehook/lending"
	"github.com/rebatelabs/rebatehook/types"
	"github.com/rebatelabs/rebatehook/venue"
)

var (
	adminAddr     = common.HexToAddress("0xa1")
	engineAddr    = common.HexToAddress("0xc1")
	lpAddr        = common.HexToAddress("0xd1")
	keeperAddr    = common.HexToAddress("0xe1")
	forwarderAddr = common.HexToAddress("0xe2")
	recorderAddr  = common.HexToAddress("0xb1")
	facilityAddr  = common.HexToAddress("0xf1")
	strangerAddr  = common.HexToAddress("0x99")

	asset0 = common.HexToAddress("0x01")
	asset1 = common.HexToAddress("0x02")
)

type fixture struct {
	market   *venue.Market
	book     *ledger.Ledger
	loans    *lending.Manager
	facility *lending.PoolFacility
	eng      *Engine
	key      types.PoolKey
	repayKey types.PoolKey
}

// newFixture wires a dislocated pool (price 1.2), a fair repay venue
// (price 1.0) and a funded flash facility at a 9 bps premium. The LP
// share is 8000 bps.
func newFixture(t *testing.T) *fixture {
	log := zaptest.NewLogger(t)
	market := venue.NewMarket(log)

	key := types.PoolKey{Asset0: asset0, Asset1: asset1, Fee: 0}
	repayKey := types.PoolKey{Asset0: asset0, Asset1: asset1, Fee: 1}
	require.NoError(t, market.AddPool(key, big.NewInt(1_000_000), big.NewInt(1_200_000)))
	require.NoError(t, market.AddPool(repayKey, big.NewInt(10_000_000), big.NewInt(10_000_000)))

	book := ledger.New(adminAddr, log)
	require.NoError(t, book.SetRecorder(adminAddr, recorderAddr, true))
	require.NoError(t, book.SetKeeper(adminAddr, keeperAddr, true))
	require.NoError(t, book.SetForwarder(adminAddr, forwarderAddr, true))

	loans := lending.NewManager(log)
	facility := lending.NewPoolFacility(facilityAddr, 9, log)
	loans.Register(facility)
	market.Mint(facilityAddr, asset0, big.NewInt(1_000_000))

	eng := New(market, book, loans, engineAddr, adminAddr, lpAddr, 8000, log)
	require.NoError(t, eng.SetRepayVenue(adminAddr, key, repayKey))

	return &fixture{
		market:   market,
		book:     book,
		loans:    loans,
		facility: facility,
		eng:      eng,
		key:      key,
		repayKey: repayKey,
	}
}

func (f *fixture) record(t *testing.T, amount int64) {
	t.Helper()
	require.NoError(t, f.book.Record(recorderAddr, f.key,
		big.NewInt(1_000_000_000_000_000_000),
		big.NewInt(1_200_000_000_000_000_000),
		big.NewInt(amount), types.SellAsset0,
		f.market.BlockNumber(), time.Now()))
}

func TestExecuteSelfFunded(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		f := newFixture(t)
		f.market.Mint(keeperAddr, asset0, big.NewInt(10_000))
		f.record(t, 10_000)

		report, err := f.eng.ExecuteSelfFunded(context.Background(), keeperAddr, f.key, nil, nil)
		require.NoError(t, err)

		assert.Equal(t, int64(10_000), report.AmountIn.Int64())
		assert.Equal(t, int64(11_866), report.AmountBack.Int64())
		assert.Equal(t, int64(1866), report.Profit.Int64())
		assert.Equal(t, int64(1492), report.LPShare.Int64())
		assert.Equal(t, int64(374), report.KeeperShare.Int64())
		assert.Zero(t, report.Cost.Sign())
		assert.False(t, report.Borrowed)
		assert.False(t, report.Simulated)

		// Capital returned plus the keeper share.
		assert.Equal(t, int64(10_374), f.market.Balance(keeperAddr, asset0).Int64())
		assert.Equal(t, int64(1492), f.market.Balance(lpAddr, asset0).Int64())
		// The engine principal retains nothing.
		assert.Zero(t, f.market.Balance(engineAddr, asset0).Sign())
		assert.Zero(t, f.market.Balance(engineAddr, asset1).Sign())
	})

	t.Run("ConsumesTheOpportunity", func(t *testing.T) {
		f := newFixture(t)
		f.market.Mint(keeperAddr, asset0, big.NewInt(20_000))
		f.record(t, 10_000)

		_, err := f.eng.ExecuteSelfFunded(context.Background(), keeperAddr, f.key, nil, nil)
		require.NoError(t, err)

		_, err = f.eng.ExecuteSelfFunded(context.Background(), keeperAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, ledger.ErrNoOpportunity)
	})

	t.Run("InsufficientProfitRollsEverythingBack", func(t *testing.T) {
		f := newFixture(t)
		f.market.Mint(keeperAddr, asset0, big.NewInt(10_000))
		f.record(t, 10_000)
		before, err := f.market.PoolState(f.key)
		require.NoError(t, err)

		_, err = f.eng.ExecuteSelfFunded(context.Background(), keeperAddr, f.key, nil, big.NewInt(1_000_000))
		assert.ErrorIs(t, err, ErrInsufficientProfit)

		// Balances, pool state and the ledger slot are untouched.
		assert.Equal(t, int64(10_000), f.market.Balance(keeperAddr, asset0).Int64())
		assert.Zero(t, f.market.Balance(lpAddr, asset0).Sign())
		after, err := f.market.PoolState(f.key)
		require.NoError(t, err)
		assert.Equal(t, before.Price.String(), after.Price.String())

		_, err = f.book.CheckExecutable(f.key, f.market.BlockNumber())
		assert.NoError(t, err, "failed attempt must not consume the slot")
	})

	t.Run("UnfundedKeeperFails", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)
		_, err := f.eng.ExecuteSelfFunded(context.Background(), keeperAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, venue.ErrInsufficientBalance)
	})
}

func TestExecuteBackrun(t *testing.T) {
	t.Run("BorrowedHappyPath", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)

		report, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		require.NoError(t, err)

		assert.True(t, report.Borrowed)
		// 9 bps premium on 10_000.
		assert.Equal(t, int64(9), report.Cost.Int64())
		assert.Equal(t, int64(1857), report.Profit.Int64())
		assert.Equal(t, int64(1485), report.LPShare.Int64())
		assert.Equal(t, int64(372), report.KeeperShare.Int64())

		// The keeper brought no capital and keeps its share.
		assert.Equal(t, int64(372), f.market.Balance(keeperAddr, asset0).Int64())
		assert.Equal(t, int64(1485), f.market.Balance(lpAddr, asset0).Int64())
		// The facility earned its premium.
		assert.Equal(t, int64(1_000_009), f.market.Balance(facilityAddr, asset0).Int64())
		assert.Zero(t, f.market.Balance(engineAddr, asset0).Sign())
	})

	t.Run("RequestedAmountClampedToRecorded", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 100)

		report, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, big.NewInt(500), nil)
		require.NoError(t, err)
		assert.Equal(t, int64(100), report.AmountIn.Int64())
	})

	t.Run("MaxExecutionAmountCaps", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.eng.SetMaxExecutionAmount(adminAddr, big.NewInt(50)))
		f.record(t, 10_000)

		report, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(50), report.AmountIn.Int64())
	})

	t.Run("UnauthorizedKeeper", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)
		_, err := f.eng.ExecuteBackrun(context.Background(), strangerAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, ledger.ErrUnauthorizedCaller)
	})

	t.Run("RepayVenueNotConfigured", func(t *testing.T) {
		f := newFixture(t)
		orphan := types.PoolKey{Asset0: asset0, Asset1: asset1, Fee: 500}
		_, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, orphan, nil, nil)
		assert.ErrorIs(t, err, ErrRepayVenueNotConfigured)
	})

	t.Run("ExpiredOpportunity", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)
		for i := 0; i < 3; i++ {
			f.market.AdvanceBlock()
		}
		_, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, ledger.ErrOpportunityExpired)
	})

	t.Run("NativeAssetCannotBeBorrowed", func(t *testing.T) {
		f := newFixture(t)
		native := types.PoolKey{Asset0: common.Address{}, Asset1: asset1, Fee: 0}
		require.NoError(t, f.market.AddPool(native, big.NewInt(1_000_000), big.NewInt(1_200_000)))
		require.NoError(t, f.eng.SetRepayVenue(adminAddr, native, f.repayKey))
		require.NoError(t, f.book.Record(recorderAddr, native,
			big.NewInt(1), big.NewInt(1), big.NewInt(100), types.SellAsset0,
			f.market.BlockNumber(), time.Now()))

		_, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, native, nil, nil)
		assert.ErrorIs(t, err, ErrInvalidBorrowAsset)
	})

	t.Run("BorrowingDisabledWithoutManager", func(t *testing.T) {
		f := newFixture(t)
		bare := New(f.market, f.book, nil, engineAddr, adminAddr, lpAddr, 8000, zaptest.NewLogger(t))
		require.NoError(t, bare.SetRepayVenue(adminAddr, f.key, f.repayKey))

		_, err := bare.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, ErrBorrowingDisabled)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		f := newFixture(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.eng.ExecuteBackrun(ctx, keeperAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestExecuteFor(t *testing.T) {
	t.Run("BountyCarvedFromKeeperShare", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)

		report, err := f.eng.ExecuteFor(context.Background(), forwarderAddr, keeperAddr, f.key, nil, nil, 1000)
		require.NoError(t, err)

		// The borrowed-mode keeper share of 372 splits 37/335.
		assert.Equal(t, int64(37), report.Bounty.Int64())
		assert.Equal(t, int64(335), report.KeeperShare.Int64())
		assert.Equal(t, int64(37), f.market.Balance(forwarderAddr, asset0).Int64())
		assert.Equal(t, int64(335), f.market.Balance(keeperAddr, asset0).Int64())
	})

	t.Run("ForwarderMustBeAuthorized", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)
		_, err := f.eng.ExecuteFor(context.Background(), strangerAddr, keeperAddr, f.key, nil, nil, 1000)
		assert.ErrorIs(t, err, ledger.ErrUnauthorizedCaller)
	})

	t.Run("NamedKeeperMustHoldCapability", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)
		_, err := f.eng.ExecuteFor(context.Background(), forwarderAddr, strangerAddr, f.key, nil, nil, 1000)
		assert.ErrorIs(t, err, ledger.ErrUnauthorizedCaller)
	})
}

func TestSimulate(t *testing.T) {
	t.Run("LeavesNoTrace", func(t *testing.T) {
		f := newFixture(t)
		f.market.Mint(keeperAddr, asset0, big.NewInt(10_000))
		f.record(t, 10_000)

		report, err := f.eng.Simulate(context.Background(), keeperAddr, f.key, nil, nil, true)
		require.NoError(t, err)
		assert.True(t, report.Simulated)
		assert.Equal(t, int64(1866), report.Profit.Int64())

		// Nothing moved and the slot is still live.
		assert.Equal(t, int64(10_000), f.market.Balance(keeperAddr, asset0).Int64())
		assert.Zero(t, f.market.Balance(lpAddr, asset0).Sign())
		_, err = f.book.CheckExecutable(f.key, f.market.BlockNumber())
		assert.NoError(t, err)
	})

	t.Run("BorrowedSimulationMatchesExecution", func(t *testing.T) {
		f := newFixture(t)
		f.record(t, 10_000)

		sim, err := f.eng.Simulate(context.Background(), keeperAddr, f.key, nil, nil, false)
		require.NoError(t, err)

		real, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, sim.Profit.String(), real.Profit.String())
		assert.Equal(t, sim.KeeperShare.String(), real.KeeperShare.String())
	})
}

func TestAdmin(t *testing.T) {
	t.Run("AdminOnly", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.eng.SetRepayVenue(strangerAddr, f.key, f.repayKey), ledger.ErrUnauthorizedCaller)
		assert.ErrorIs(t, f.eng.SetMinProfitDefault(strangerAddr, big.NewInt(1)), ledger.ErrUnauthorizedCaller)
		assert.ErrorIs(t, f.eng.SetMaxExecutionAmount(strangerAddr, big.NewInt(1)), ledger.ErrUnauthorizedCaller)
		assert.ErrorIs(t, f.eng.SetLPShareBps(strangerAddr, 1), ledger.ErrUnauthorizedCaller)
	})

	t.Run("LPShareBounded", func(t *testing.T) {
		f := newFixture(t)
		assert.Error(t, f.eng.SetLPShareBps(adminAddr, 10_001))
		assert.NoError(t, f.eng.SetLPShareBps(adminAddr, 10_000))
	})

	t.Run("MinProfitDefaultApplies", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.eng.SetMinProfitDefault(adminAddr, big.NewInt(1_000_000)))
		f.record(t, 10_000)
		_, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		assert.ErrorIs(t, err, ErrInsufficientProfit)
	})

	t.Run("RemovingTheCap", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.eng.SetMaxExecutionAmount(adminAddr, big.NewInt(50)))
		require.NoError(t, f.eng.SetMaxExecutionAmount(adminAddr, nil))
		f.record(t, 10_000)
		report, err := f.eng.ExecuteBackrun(context.Background(), keeperAddr, f.key, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(10_000), report.AmountIn.Int64())
	})
}
