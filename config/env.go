package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Environment variables
const (
	EnvConfigPath      = "REBATEHOOK_CONFIG"
	EnvDebug           = "REBATEHOOK_DEBUG"
	EnvMetricsEndpoint = "REBATEHOOK_METRICS_ENDPOINT"
)

// LoadEnv loads environment variables from a .env file when present.
func LoadEnv() error {
	err := godotenv.Load()
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// GetEnvWithDefault gets an environment variable with a default value.
func GetEnvWithDefault(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// applyEnv overlays environment overrides onto cfg.
func applyEnv(cfg *Config) {
	if os.Getenv(EnvDebug) == "1" || os.Getenv(EnvDebug) == "true" {
		cfg.Debug = true
	}
	if v := os.Getenv(EnvMetricsEndpoint); v != "" {
		cfg.MetricsEndpoint = v
	}
}
