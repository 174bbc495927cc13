package cmd

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rebatelabs/rebatehook/config"
	"github.com/rebatelabs/rebatehook/engine"
	"github.com/rebatelabs/rebatehook/fee"
	"github.com/rebatelabs/rebatehook/gas"
	"github.com/rebatelabs/rebatehook/hook"
	"github.com/rebatelabs/rebatehook/keeper"
	"github.com/rebatelabs/rebatehook/ledger"
	"github.com/rebatelabs/rebatehook/lending"
	"github.com/rebatelabs/rebatehook/oracle"
	"github.com/rebatelabs/rebatehook/types"
	"github.com/rebatelabs/rebatehook/utils"
	"github.com/rebatelabs/rebatehook/venue"
)

// Well-known principals for a local deployment. A chain deployment
// would take these from key material; the in-memory host only needs
// them to be distinct.
var (
	adminAddr    = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	hookAddr     = common.HexToAddress("0x00000000000000000000000000000000000000b1")
	engineAddr   = common.HexToAddress("0x00000000000000000000000000000000000000c1")
	lpAddr       = common.HexToAddress("0x00000000000000000000000000000000000000d1")
	keeperAddr   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	facilityAddr = common.HexToAddress("0x00000000000000000000000000000000000000f1")
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the hook host and keeper loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := utils.GetLogger()

		if err := config.LoadEnv(); err != nil {
			log.Warn("failed to load .env", zap.Error(err))
		}
		path := cfgFile
		if path == "" {
			path = config.GetEnvWithDefault(config.EnvConfigPath, "")
		}
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}

		world, err := buildWorld(cfg, log)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		if err := world.engine.Metrics().Register(reg); err != nil {
			return err
		}
		if err := world.loop.Metrics().Register(reg); err != nil {
			return err
		}
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			if err := http.ListenAndServe(cfg.MetricsEndpoint, mux); err != nil {
				log.Error("metrics server stopped", zap.Error(err))
			}
		}()

		ctx := cmd.Context()
		go world.runBlockClock(ctx)

		return world.loop.Run(ctx)
	},
}

// world is the wired local deployment.
type world struct {
	market *venue.Market
	book   *ledger.Ledger
	hook   *hook.Hook
	engine *engine.Engine
	loop   *keeper.Loop
	logger *zap.Logger
}

// buildWorld wires the venue, oracle, ledger, engine, facility and
// keeper from cfg.
func buildWorld(cfg *config.Config, log *zap.Logger) (*world, error) {
	market := venue.NewMarket(log.Named("venue"))
	feed := oracle.NewStaticFeed(cfg.Oracle.Decimals)
	prices := oracle.NewAdapter(feed, cfg.Oracle.MaxStaleness.Std(), log.Named("oracle"))

	book := ledger.New(adminAddr, log.Named("ledger"))
	if err := book.SetMaxAgeBlocks(adminAddr, cfg.Ledger.MaxAgeBlocks); err != nil {
		return nil, err
	}
	if err := book.SetRecorder(adminAddr, hookAddr, true); err != nil {
		return nil, err
	}
	if err := book.SetKeeper(adminAddr, keeperAddr, true); err != nil {
		return nil, err
	}

	liqFloor, err := config.BigInt(cfg.Fee.LiquidityFloor)
	if err != nil {
		return nil, err
	}
	feeCfg := fee.Config{
		BaseFee:                   cfg.Fee.BaseFee,
		MinFee:                    cfg.Fee.MinFee,
		MaxFee:                    cfg.Fee.MaxFee,
		LiquidityFloor:            liqFloor,
		MEVRiskThresholdBps:       cfg.Fee.MEVRiskThresholdBps,
		MEVRiskPremium:            cfg.Fee.MEVRiskPremium,
		VolatilityMultiplierBps:   cfg.Fee.VolatilityMultiplierBps,
		LowLiquidityMultiplierBps: cfg.Fee.LowLiquidityMultiplierBps,
	}

	bus := hook.NewSignalBus(log.Named("signals"))
	hk := hook.New(hookAddr, adminAddr, prices, book, market, bus, feeCfg, log.Named("hook"))
	if err := hk.SetCaptureShareBps(adminAddr, cfg.Hook.CaptureShareBps); err != nil {
		return nil, err
	}
	if err := hk.SetMinDivergenceBps(adminAddr, cfg.Hook.MinDivergenceBps); err != nil {
		return nil, err
	}

	loans := lending.NewManager(log.Named("lending"))
	facility := lending.NewPoolFacility(facilityAddr, cfg.Lending.PremiumBps, log.Named("lending"))
	loans.Register(facility)
	facilityLiquidity, err := config.BigInt(cfg.Lending.Liquidity)
	if err != nil {
		return nil, err
	}

	eng := engine.New(market, book, loans, engineAddr, adminAddr, lpAddr, cfg.Engine.LPShareBps, log.Named("engine"))
	minProfit, err := config.BigInt(cfg.Engine.MinProfit)
	if err != nil {
		return nil, err
	}
	if err := eng.SetMinProfitDefault(adminAddr, minProfit); err != nil {
		return nil, err
	}
	if cfg.Engine.MaxExecutionAmount != "" {
		maxAmount, err := config.BigInt(cfg.Engine.MaxExecutionAmount)
		if err != nil {
			return nil, err
		}
		if err := eng.SetMaxExecutionAmount(adminAddr, maxAmount); err != nil {
			return nil, err
		}
	}

	for i, pc := range cfg.Pools {
		if err := seedPool(market, eng, feed, facility, facilityLiquidity, pc); err != nil {
			return nil, fmt.Errorf("pool %d: %w", i, err)
		}
	}

	gasPrice, err := config.BigInt(cfg.Keeper.GasPrice)
	if err != nil {
		return nil, err
	}
	costs := gas.NewEstimator(gasPrice, log.Named("gas"))

	keeperMin, err := config.BigInt(cfg.Keeper.MinProfit)
	if err != nil {
		return nil, err
	}
	var keeperMax *big.Int
	if cfg.Keeper.MaxExecutionAmount != "" {
		if keeperMax, err = config.BigInt(cfg.Keeper.MaxExecutionAmount); err != nil {
			return nil, err
		}
	}
	pollPools := make([]types.PoolKey, 0, len(cfg.Pools))
	for _, pc := range cfg.Pools {
		key := types.PoolKey{
			Asset0: common.HexToAddress(pc.Asset0),
			Asset1: common.HexToAddress(pc.Asset1),
			Fee:    pc.Fee,
		}
		pollPools = append(pollPools, key)
		if cfg.Keeper.SelfFunded {
			// Self-funded keepers pre-fund their own capital.
			market.Mint(keeperAddr, key.Asset0, facilityLiquidity)
			market.Mint(keeperAddr, key.Asset1, facilityLiquidity)
		}
	}
	loop, err := keeper.New(keeper.Config{
		Address:            keeperAddr,
		SelfFunded:         cfg.Keeper.SelfFunded,
		MinProfit:          keeperMin,
		MaxExecutionAmount: keeperMax,
		GasLimit:           cfg.Keeper.GasLimit,
		MinInterval:        cfg.Keeper.MinInterval.Std(),
		DedupCacheSize:     cfg.Keeper.DedupCacheSize,
		RatePerSecond:      cfg.Keeper.RatePerSecond,
		RateBurst:          cfg.Keeper.RateBurst,
		PollInterval:       cfg.Keeper.PollInterval.Std(),
		PollPools:          pollPools,
	}, eng, book, market, bus, costs, log.Named("keeper"))
	if err != nil {
		return nil, err
	}

	return &world{
		market: market,
		book:   book,
		hook:   hk,
		engine: eng,
		loop:   loop,
		logger: log,
	}, nil
}

// seedPool adds one hooked pool, its repay venue, its reference quote
// and the facility inventory for both assets.
func seedPool(market *venue.Market, eng *engine.Engine, feed *oracle.StaticFeed, facility *lending.PoolFacility, facilityLiquidity *big.Int, pc config.PoolConfig) error {
	key := types.PoolKey{
		Asset0: common.HexToAddress(pc.Asset0),
		Asset1: common.HexToAddress(pc.Asset1),
		Fee:    pc.Fee,
	}
	repay := types.PoolKey{Asset0: key.Asset0, Asset1: key.Asset1, Fee: pc.RepayFee}

	r0, err := config.BigInt(pc.Reserve0)
	if err != nil {
		return err
	}
	r1, err := config.BigInt(pc.Reserve1)
	if err != nil {
		return err
	}
	if err := market.AddPool(key, r0, r1); err != nil {
		return err
	}

	rr0, err := config.BigInt(pc.RepayRes0)
	if err != nil {
		return err
	}
	rr1, err := config.BigInt(pc.RepayRes1)
	if err != nil {
		return err
	}
	if err := market.AddPool(repay, rr0, rr1); err != nil {
		return err
	}
	if err := eng.SetRepayVenue(adminAddr, key, repay); err != nil {
		return err
	}

	price, err := config.BigInt(pc.OraclePrice)
	if err != nil {
		return err
	}
	conf, err := config.BigInt(pc.OracleConf)
	if err != nil {
		return err
	}
	feed.Set(key.Asset0, key.Asset1, price, conf, time.Now())

	market.Mint(facility.Address(), key.Asset0, facilityLiquidity)
	market.Mint(facility.Address(), key.Asset1, facilityLiquidity)
	return nil
}

// runBlockClock advances the venue's block height once per second so
// opportunity age limits behave like a chain.
func (w *world) runBlockClock(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.market.AdvanceBlock()
		}
	}
}

func init() {
	rootCmd.AddCommand(startCmd)
}
