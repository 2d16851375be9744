// Package config loads process configuration from the environment,
// falling back to a .env file in the working directory when present.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the broker and agent
// runtime need. Variable names match spec.md section 6 where named there;
// the rest are ambient additions required to actually run a process.
type Config struct {
	// Named by the spec's external-interfaces section.
	MarketplaceURL string
	APIKey         string
	WalletPath     string
	RPCURL         string
	DashboardPort  int
	AdminAPIKey    string
	GPUModel       string
	GPUVendor      string
	GPUMemoryBytes int64

	// Ambient additions.
	Env                   string
	ListenAddr            string
	DatabaseURL           string
	RedisURL              string
	HeartbeatTimeout      time.Duration
	MaintenanceTick       time.Duration
	SettlementChanSize    int
	SettlementDrainWindow time.Duration
}

// Load reads a .env file if present (ignored if missing) and then builds
// a Config from the process environment, applying defaults in code.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		MarketplaceURL: getenv("MARKETPLACE_URL", "http://localhost:8080"),
		APIKey:         os.Getenv("API_KEY"),
		WalletPath:     os.Getenv("WALLET_PATH"),
		RPCURL:         getenv("RPC_URL", "http://localhost:8899"),
		DashboardPort:  getenvInt("DASHBOARD_PORT", 8080),
		AdminAPIKey:    os.Getenv("ADMIN_API_KEY"),
		GPUModel:       os.Getenv("GPU_MODEL"),
		GPUVendor:      os.Getenv("GPU_VENDOR"),
		GPUMemoryBytes: int64(getenvInt("GPU_MEMORY_BYTES", 0)),

		Env:                   getenv("MARKETPLACE_ENV", "production"),
		ListenAddr:            getenv("LISTEN_ADDR", ":8080"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisURL:              os.Getenv("REDIS_URL"),
		HeartbeatTimeout:      getenvSeconds("HEARTBEAT_TIMEOUT_S", 60*time.Second),
		MaintenanceTick:       getenvSeconds("MAINTENANCE_TICK_S", 30*time.Second),
		SettlementChanSize:    getenvInt("SETTLEMENT_CHANNEL_SIZE", 256),
		SettlementDrainWindow: 30 * time.Second,
	}
}

// IsDev reports whether the process should use development-mode logging.
func (c *Config) IsDev() bool {
	return c.Env == "dev" || c.Env == "development"
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}
