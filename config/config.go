// Package config loads the process configuration from YAML with
// environment overrides for deployment secrets and paths.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration wraps time.Duration with YAML string parsing ("250ms").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full process configuration.
type Config struct {
	Debug           bool   `yaml:"debug"`
	MetricsEndpoint string `yaml:"metrics_endpoint"`

	Oracle  OracleConfig  `yaml:"oracle"`
	Hook    HookConfig    `yaml:"hook"`
	Fee     FeeConfig     `yaml:"fee"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Engine  EngineConfig  `yaml:"engine"`
	Lending LendingConfig `yaml:"lending"`
	Keeper  KeeperConfig  `yaml:"keeper"`
	Pools   []PoolConfig  `yaml:"pools"`
}

// OracleConfig tunes the price adapter.
type OracleConfig struct {
	MaxStaleness Duration `yaml:"max_staleness"`
	Decimals     uint8    `yaml:"decimals"`
}

// HookConfig tunes the capture logic.
type HookConfig struct {
	CaptureShareBps  uint64 `yaml:"capture_share_bps"`
	MinDivergenceBps uint64 `yaml:"min_divergence_bps"`
}

// FeeConfig tunes the dynamic fee model. Fees are in hundredths of a
// bip; amounts are decimal strings.
type FeeConfig struct {
	BaseFee                   uint32 `yaml:"base_fee"`
	MinFee                    uint32 `yaml:"min_fee"`
	MaxFee                    uint32 `yaml:"max_fee"`
	LiquidityFloor            string `yaml:"liquidity_floor"`
	MEVRiskThresholdBps       uint64 `yaml:"mev_risk_threshold_bps"`
	MEVRiskPremium            uint32 `yaml:"mev_risk_premium"`
	VolatilityMultiplierBps   uint64 `yaml:"volatility_multiplier_bps"`
	LowLiquidityMultiplierBps uint64 `yaml:"low_liquidity_multiplier_bps"`
}

// LedgerConfig tunes the opportunity store.
type LedgerConfig struct {
	MaxAgeBlocks uint64 `yaml:"max_age_blocks"`
}

// EngineConfig tunes execution and distribution.
type EngineConfig struct {
	LPShareBps         uint64 `yaml:"lp_share_bps"`
	MinProfit          string `yaml:"min_profit"`
	MaxExecutionAmount string `yaml:"max_execution_amount"`
}

// LendingConfig tunes the in-memory flash-loan facility.
type LendingConfig struct {
	PremiumBps uint64 `yaml:"premium_bps"`
	Liquidity  string `yaml:"liquidity"`
}

// KeeperConfig tunes the executor loop.
type KeeperConfig struct {
	SelfFunded         bool     `yaml:"self_funded"`
	MinProfit          string   `yaml:"min_profit"`
	MaxExecutionAmount string   `yaml:"max_execution_amount"`
	GasLimit           uint64   `yaml:"gas_limit"`
	GasPrice           string   `yaml:"gas_price"`
	MinInterval        Duration `yaml:"min_interval"`
	RatePerSecond      float64  `yaml:"rate_per_second"`
	RateBurst          int      `yaml:"rate_burst"`
	PollInterval       Duration `yaml:"poll_interval"`
	DedupCacheSize     int      `yaml:"dedup_cache_size"`
}

// PoolConfig seeds one hooked pool, its repay venue and its reference
// quote.
type PoolConfig struct {
	Asset0       string `yaml:"asset0"`
	Asset1       string `yaml:"asset1"`
	Fee          uint32 `yaml:"fee"`
	Reserve0     string `yaml:"reserve0"`
	Reserve1     string `yaml:"reserve1"`
	RepayFee     uint32 `yaml:"repay_fee"`
	RepayRes0    string `yaml:"repay_reserve0"`
	RepayRes1    string `yaml:"repay_reserve1"`
	OraclePrice  string `yaml:"oracle_price"`
	OracleConf   string `yaml:"oracle_confidence"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		MetricsEndpoint: ":9090",
		Oracle: OracleConfig{
			MaxStaleness: Duration(time.Minute),
			Decimals:     18,
		},
		Hook: HookConfig{
			CaptureShareBps:  5000,
			MinDivergenceBps: 50,
		},
		Fee: FeeConfig{
			BaseFee:                   3000,
			MinFee:                    500,
			MaxFee:                    100000,
			LiquidityFloor:            "1000000000000000000",
			MEVRiskThresholdBps:       100,
			MEVRiskPremium:            5000,
			VolatilityMultiplierBps:   15000,
			LowLiquidityMultiplierBps: 20000,
		},
		Ledger: LedgerConfig{MaxAgeBlocks: 2},
		Engine: EngineConfig{
			LPShareBps: 8000,
			MinProfit:  "0",
		},
		Lending: LendingConfig{
			PremiumBps: 9,
			Liquidity:  "1000000000000000000000000",
		},
		Keeper: KeeperConfig{
			MinProfit:      "0",
			GasLimit:       400000,
			GasPrice:       "0",
			MinInterval:    Duration(2 * time.Second),
			RatePerSecond:  2,
			RateBurst:      2,
			PollInterval:   Duration(5 * time.Second),
			DedupCacheSize: 1024,
		},
	}
}

// Load reads path over the defaults; an empty path returns defaults
// with environment overrides only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	return cfg, nil
}

// BigInt parses a decimal amount string; empty strings are zero.
func BigInt(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	out, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("config: bad amount %q", s)
	}
	return out, nil
}
