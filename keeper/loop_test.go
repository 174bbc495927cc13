package keeper

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rebatelabs/rebatehook/engine"
	"github.com/rebatelabs/rebatehook/gas"
	"github.com/rebatelabs/rebatehook/hook"
	"github.com/rebatelabs/rebatehook/types"
)

var keeperAddr = common.HexToAddress("0xe1")

func loopKey() types.PoolKey {
	return types.PoolKey{
		Asset0: common.HexToAddress("0x01"),
		Asset1: common.HexToAddress("0x02"),
		Fee:    3000,
	}
}

type mockExecutor struct {
	mu            sync.Mutex
	simErr        error
	execErr       error
	simulations   int
	backruns      int
	selfFunded    int
	lastAmount    *big.Int
	lastMinProfit *big.Int
}

func (m *mockExecutor) report(amount *big.Int) *engine.Report {
	return &engine.Report{
		AmountIn:    new(big.Int).Set(amount),
		AmountBack:  new(big.Int).Add(amount, big.NewInt(100)),
		Cost:        big.NewInt(0),
		Profit:      big.NewInt(100),
		LPShare:     big.NewInt(80),
		KeeperShare: big.NewInt(20),
	}
}

func (m *mockExecutor) Simulate(_ context.Context, _ common.Address, _ types.PoolKey, amount, minProfit *big.Int, _ bool) (*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulations++
	m.lastAmount = new(big.Int).Set(amount)
	m.lastMinProfit = new(big.Int).Set(minProfit)
	if m.simErr != nil {
		return nil, m.simErr
	}
	return m.report(amount), nil
}

func (m *mockExecutor) ExecuteBackrun(_ context.Context, _ common.Address, _ types.PoolKey, amount, _ *big.Int) (*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backruns++
	if m.execErr != nil {
		return nil, m.execErr
	}
	return m.report(amount), nil
}

func (m *mockExecutor) ExecuteSelfFunded(_ context.Context, _ common.Address, _ types.PoolKey, amount, _ *big.Int) (*engine.Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selfFunded++
	if m.execErr != nil {
		return nil, m.execErr
	}
	return m.report(amount), nil
}

func (m *mockExecutor) counts() (sims, backruns, selfFunded int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.simulations, m.backruns, m.selfFunded
}

type mockSource struct {
	mu     sync.Mutex
	opps   map[uint64]types.BackrunOpportunity
	maxAge uint64
}

func newMockSource() *mockSource {
	return &mockSource{opps: make(map[uint64]types.BackrunOpportunity), maxAge: 2}
}

func (s *mockSource) set(key types.PoolKey, amount int64, block uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps[key.ID()] = types.BackrunOpportunity{
		PoolKey:       key,
		TargetPrice:   big.NewInt(1),
		CurrentPrice:  big.NewInt(1),
		BackrunAmount: big.NewInt(amount),
		Direction:     types.SellAsset0,
		RecordedBlock: block,
		RecordedAt:    time.Now(),
	}
}

func (s *mockSource) markExecuted(key types.PoolKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opp := s.opps[key.ID()]
	opp.Executed = true
	s.opps[key.ID()] = opp
}

func (s *mockSource) Get(key types.PoolKey) (types.BackrunOpportunity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	opp, ok := s.opps[key.ID()]
	return opp, ok
}

func (s *mockSource) MaxAgeBlocks() uint64 { return s.maxAge }

type mockChain struct{ block uint64 }

func (c *mockChain) BlockNumber() uint64 { return c.block }

func newTestLoop(t *testing.T, cfg Config, exec *mockExecutor, src *mockSource, chain *mockChain) (*Loop, *hook.SignalBus) {
	t.Helper()
	if cfg.Address == (common.Address{}) {
		cfg.Address = keeperAddr
	}
	cfg.RatePerSecond = 1000
	cfg.RateBurst = 100
	bus := hook.NewSignalBus(zaptest.NewLogger(t))
	costs := gas.NewEstimator(big.NewInt(2), zaptest.NewLogger(t))
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 100
	}
	l, err := New(cfg, exec, src, chain, bus, costs, zaptest.NewLogger(t))
	require.NoError(t, err)
	return l, bus
}

func TestHandle(t *testing.T) {
	t.Run("SubmitsViableOpportunity", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{MinProfit: big.NewInt(7)}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())

		sims, backruns, selfFunded := exec.counts()
		assert.Equal(t, 1, sims)
		assert.Equal(t, 1, backruns)
		assert.Zero(t, selfFunded)
		assert.Equal(t, int64(500), exec.lastAmount.Int64())
		// Floor plus the gas cost of 100 units at price 2.
		assert.Equal(t, int64(207), exec.lastMinProfit.Int64())
	})

	t.Run("SelfFundedModeUsesSelfFundedPath", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{SelfFunded: true}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())

		_, backruns, selfFunded := exec.counts()
		assert.Zero(t, backruns)
		assert.Equal(t, 1, selfFunded)
	})

	t.Run("SkipsWhenNoOpportunity", func(t *testing.T) {
		exec := &mockExecutor{}
		l, _ := newTestLoop(t, Config{}, exec, newMockSource(), &mockChain{block: 10})

		l.handle(context.Background(), loopKey())
		sims, backruns, _ := exec.counts()
		assert.Zero(t, sims)
		assert.Zero(t, backruns)
	})

	t.Run("SkipsExecutedOpportunity", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		src.markExecuted(loopKey())
		l, _ := newTestLoop(t, Config{}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())
		sims, _, _ := exec.counts()
		assert.Zero(t, sims)
	})

	t.Run("SkipsStaleOpportunity", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{}, exec, src, &mockChain{block: 13})

		l.handle(context.Background(), loopKey())
		sims, _, _ := exec.counts()
		assert.Zero(t, sims)
	})

	t.Run("AgeExactlyAtBoundStillRuns", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{}, exec, src, &mockChain{block: 12})

		l.handle(context.Background(), loopKey())
		_, backruns, _ := exec.counts()
		assert.Equal(t, 1, backruns)
	})

	t.Run("DuplicateSignalSuppressed", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{MinInterval: time.Minute}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())
		l.handle(context.Background(), loopKey())

		_, backruns, _ := exec.counts()
		assert.Equal(t, 1, backruns)
	})

	t.Run("FreshRecordingIsNotADuplicate", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		chain := &mockChain{block: 10}
		l, _ := newTestLoop(t, Config{MinInterval: time.Minute}, exec, src, chain)

		l.handle(context.Background(), loopKey())
		src.set(loopKey(), 700, 11)
		chain.block = 11
		l.handle(context.Background(), loopKey())

		_, backruns, _ := exec.counts()
		assert.Equal(t, 2, backruns)
	})

	t.Run("SimulationFailureBlocksSubmission", func(t *testing.T) {
		exec := &mockExecutor{simErr: errors.New("insufficient profit")}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())
		sims, backruns, _ := exec.counts()
		assert.Equal(t, 1, sims)
		assert.Zero(t, backruns)
	})

	t.Run("SubmissionFailureDoesNotPanic", func(t *testing.T) {
		exec := &mockExecutor{execErr: errors.New("opportunity vanished")}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())
		_, backruns, _ := exec.counts()
		assert.Equal(t, 1, backruns)
	})

	t.Run("AmountCappedByConfig", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{MaxExecutionAmount: big.NewInt(50)}, exec, src, &mockChain{block: 10})

		l.handle(context.Background(), loopKey())
		assert.Equal(t, int64(50), exec.lastAmount.Int64())
	})
}

func TestRun(t *testing.T) {
	t.Run("HandlesSignalsUntilCancelled", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, bus := newTestLoop(t, Config{}, exec, src, &mockChain{block: 10})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- l.Run(ctx) }()

		bus.Publish(hook.OpportunitySignal{
			PoolKey:      loopKey(),
			TargetPrice:  big.NewInt(1),
			CurrentPrice: big.NewInt(1),
			Amount:       big.NewInt(500),
			Block:        10,
		})

		require.Eventually(t, func() bool {
			_, backruns, _ := exec.counts()
			return backruns == 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("loop did not stop")
		}
	})

	t.Run("PollingPicksUpUnsignalledOpportunities", func(t *testing.T) {
		exec := &mockExecutor{}
		src := newMockSource()
		src.set(loopKey(), 500, 10)
		l, _ := newTestLoop(t, Config{
			PollInterval: 20 * time.Millisecond,
			PollPools:    []types.PoolKey{loopKey()},
		}, exec, src, &mockChain{block: 10})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() { done <- l.Run(ctx) }()

		require.Eventually(t, func() bool {
			_, backruns, _ := exec.counts()
			return backruns >= 1
		}, 2*time.Second, 10*time.Millisecond)

		cancel()
		<-done
	})
}
