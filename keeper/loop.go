// Package keeper runs the off-chain executor loop: it watches for
// "opportunity recorded" signals, re-reads authoritative state,
// simulates the execution and submits it when the simulation succeeds.
// The loop is single-threaded by design; concurrent signals queue on
// the subscription channel rather than racing each other, which
// complements (but never replaces) the ledger's execution guard.
package keeper

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rebatelabs/rebatehook/engine"
	"github.com/rebatelabs/rebatehook/gas"
	"github.com/rebatelabs/rebatehook/hook"
	"github.com/rebatelabs/rebatehook/types"
)

// Executor is the execution surface the loop drives.
type Executor interface {
	Simulate(ctx context.Context, caller common.Address, key types.PoolKey, amount, minProfit *big.Int, selfFunded bool) (*engine.Report, error)
	ExecuteBackrun(ctx context.Context, caller common.Address, key types.PoolKey, amount, minProfit *big.Int) (*engine.Report, error)
	ExecuteSelfFunded(ctx context.Context, caller common.Address, key types.PoolKey, amount, minProfit *big.Int) (*engine.Report, error)
}

// OpportunitySource is the authoritative opportunity store. Signals
// are advisory; every decision re-reads this.
type OpportunitySource interface {
	Get(key types.PoolKey) (types.BackrunOpportunity, bool)
	MaxAgeBlocks() uint64
}

// Chain supplies the current block height.
type Chain interface {
	BlockNumber() uint64
}

// Config holds the loop tunables.
type Config struct {
	// Address is the keeper principal; it must hold the keeper
	// capability.
	Address common.Address
	// SelfFunded selects the financing mode for submissions.
	SelfFunded bool
	// MinProfit is the keeper's own profit floor, before gas.
	MinProfit *big.Int
	// MaxExecutionAmount caps each submission; nil means no cap.
	MaxExecutionAmount *big.Int
	// GasLimit is the per-execution gas estimate fed to the cost
	// model.
	GasLimit uint64
	// MinInterval suppresses resubmission for the same recorded
	// opportunity inside the window.
	MinInterval time.Duration
	// DedupCacheSize bounds the replay-protection cache.
	DedupCacheSize int
	// RatePerSecond and RateBurst bound submission throughput.
	RatePerSecond float64
	RateBurst     int
	// PollInterval re-scans PollPools when no signal arrives; zero
	// disables polling.
	PollInterval time.Duration
	PollPools    []types.PoolKey
}

// Loop is the executor watcher.
type Loop struct {
	cfg      Config
	executor Executor
	source   OpportunitySource
	chain    Chain
	bus      *hook.SignalBus
	costs    *gas.Estimator

	limiter *rate.Limiter
	seen    *lru.Cache
	breaker *gobreaker.CircuitBreaker[*engine.Report]

	metrics *Metrics
	logger  *zap.Logger
}

// New creates a loop. costs may be nil to skip gas adjustment.
func New(cfg Config, executor Executor, source OpportunitySource, chain Chain, bus *hook.SignalBus, costs *gas.Estimator, logger *zap.Logger) (*Loop, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MinProfit == nil {
		cfg.MinProfit = big.NewInt(0)
	}
	if cfg.DedupCacheSize <= 0 {
		cfg.DedupCacheSize = 1024
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	seen, err := lru.New(cfg.DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("keeper: dedup cache: %w", err)
	}
	breaker := gobreaker.NewCircuitBreaker[*engine.Report](gobreaker.Settings{
		Name:        "keeper-submit",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Loop{
		cfg:      cfg,
		executor: executor,
		source:   source,
		chain:    chain,
		bus:      bus,
		costs:    costs,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
		seen:     seen,
		breaker:  breaker,
		metrics:  newMetrics(),
		logger:   logger,
	}, nil
}

// Metrics exposes the loop's prometheus collectors for registration.
func (l *Loop) Metrics() *Metrics { return l.metrics }

// Run processes signals until ctx is cancelled. A failed opportunity
// never halts the loop; failures are logged, counted and skipped.
func (l *Loop) Run(ctx context.Context) error {
	signals, cancel := l.bus.Subscribe()
	defer cancel()

	var poll <-chan time.Time
	if l.cfg.PollInterval > 0 {
		ticker := time.NewTicker(l.cfg.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	l.logger.Info("keeper loop started",
		zap.String("keeper", l.cfg.Address.Hex()),
		zap.Bool("self_funded", l.cfg.SelfFunded))

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("keeper loop stopping")
			return nil
		case sig, ok := <-signals:
			if !ok {
				return nil
			}
			l.metrics.signals.Inc()
			l.handle(ctx, sig.PoolKey)
		case <-poll:
			for _, key := range l.cfg.PollPools {
				l.handle(ctx, key)
			}
		}
	}
}

// handle drives one opportunity from re-read to submission. The signal
// payload is intentionally ignored beyond the pool key: the ledger is
// the only truth worth acting on.
func (l *Loop) handle(ctx context.Context, key types.PoolKey) {
	log := l.logger.With(
		zap.String("attempt", uuid.NewString()),
		zap.Uint64("pool", key.ID()))

	opp, ok := l.source.Get(key)
	if !ok || opp.Executed || opp.BackrunAmount.Sign() == 0 {
		l.metrics.skipped.WithLabelValues("no_opportunity").Inc()
		return
	}
	if now := l.chain.BlockNumber(); now > opp.RecordedBlock && now-opp.RecordedBlock > l.source.MaxAgeBlocks() {
		l.metrics.skipped.WithLabelValues("stale").Inc()
		log.Debug("skipping stale opportunity",
			zap.Uint64("recorded_block", opp.RecordedBlock),
			zap.Uint64("now", now))
		return
	}
	if l.isReplay(key, opp.RecordedBlock) {
		l.metrics.skipped.WithLabelValues("duplicate").Inc()
		return
	}

	amount := new(big.Int).Set(opp.BackrunAmount)
	if l.cfg.MaxExecutionAmount != nil {
		amount = types.BigMin(amount, l.cfg.MaxExecutionAmount)
	}
	minProfit := new(big.Int).Set(l.cfg.MinProfit)
	if l.costs != nil {
		minProfit.Add(minProfit, l.costs.Cost(l.cfg.GasLimit))
	}

	// Dry run first; never spend a submission on an attempt the
	// current state already rejects.
	if _, err := l.executor.Simulate(ctx, l.cfg.Address, key, amount, minProfit, l.cfg.SelfFunded); err != nil {
		l.metrics.simulations.WithLabelValues("failure").Inc()
		log.Debug("simulation rejected opportunity", zap.Error(err))
		return
	}
	l.metrics.simulations.WithLabelValues("success").Inc()

	if err := l.limiter.Wait(ctx); err != nil {
		return
	}

	report, err := l.breaker.Execute(func() (*engine.Report, error) {
		if l.cfg.SelfFunded {
			return l.executor.ExecuteSelfFunded(ctx, l.cfg.Address, key, amount, minProfit)
		}
		return l.executor.ExecuteBackrun(ctx, l.cfg.Address, key, amount, minProfit)
	})
	if err != nil {
		l.metrics.submissions.WithLabelValues("failure").Inc()
		log.Warn("submission failed", zap.Error(err))
		return
	}

	l.metrics.submissions.WithLabelValues("success").Inc()
	l.metrics.profit.Add(wadToFloat(report.KeeperShare))
	log.Info("backrun submitted",
		zap.String("amount_in", report.AmountIn.String()),
		zap.String("profit", report.Profit.String()),
		zap.String("keeper_share", report.KeeperShare.String()))
}

// isReplay records the (pool, recorded block) pair and reports whether
// it was already handled inside the minimum interval.
func (l *Loop) isReplay(key types.PoolKey, block uint64) bool {
	id := fmt.Sprintf("%d@%d", key.ID(), block)
	now := time.Now()
	if last, ok := l.seen.Get(id); ok {
		if ts, ok := last.(time.Time); ok && now.Sub(ts) < l.cfg.MinInterval {
			return true
		}
	}
	l.seen.Add(id, now)
	return false
}

func wadToFloat(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(x), new(big.Float).SetInt(types.WAD)).Float64()
	return f
}
