// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir     string // Base directory for databases and archives (always absolute)
	Port        int
	DevMode     bool
	LogLevel    string
	StorePath   string // SQLite store path; empty = in-memory only
	AuthSecret  string // HS256 secret for bearer tokens
	AuthDisable bool   // Dev bypass: inject a static principal

	IdempotencyTTL time.Duration

	Broker  *BrokerConfig
	Paper   *PaperConfig
	Alpaca  *AlpacaConfig
	IB      *IBConfig
	Hub     *HubConfig
	Scanner *ScannerConfig
	Agg     *AggregationConfig
	Archive *ArchiveConfig
}

// BrokerConfig holds the shared adapter settings (rate limits, retries, caches)
type BrokerConfig struct {
	RateLimitPerMinute int
	RetryBase          time.Duration
	RetryMax           time.Duration
	CacheTTL           time.Duration
	CallTimeout        time.Duration
	MaxOrderAmount     float64
	SymbolAllowlist    []string // empty = all symbols allowed
}

// PaperConfig holds the simulated venue settings
type PaperConfig struct {
	FillLatency        time.Duration
	SlippageBps        float64
	PartialFillProb    float64
	RejectProb         float64
	CommissionPerShare float64
	CommissionMin      float64
	StartingCash       float64
	MarketOpen         string // "09:30" venue-local time
	MarketClose        string // "16:00"
	Seed               int64  // 0 = time-seeded
}

// AlpacaConfig holds credentials for the Alpaca-style venue
type AlpacaConfig struct {
	BaseURL       string
	KeyID         string
	SecretKey     string
	WebhookSecret string
}

// IBConfig holds gateway settings for the IB-style venue
type IBConfig struct {
	GatewayURL    string
	ClientID      int
	WebhookSecret string
}

// HubConfig holds streaming fan-out settings
type HubConfig struct {
	QueueSize          int
	RateLimitPerSecond int
	HeartbeatInterval  time.Duration
	OverflowPolicy     string // dropOldest | disconnect
}

// ScannerConfig holds scan engine settings
type ScannerConfig struct {
	CacheTTL         time.Duration
	FetchConcurrency int
	MaxLimit         int
}

// AggregationConfig holds aggregation settings
type AggregationConfig struct {
	MinScanners int
	Watchlist   []string
}

// ArchiveConfig holds S3-compatible archive settings; disabled unless a bucket is set
type ArchiveConfig struct {
	Bucket    string
	Endpoint  string // empty = default AWS endpoints
	Region    string
	AccessKey string
	SecretKey string
	Schedule  string // cron expression with seconds field
	Keep      int    // archives retained remotely
}

// Enabled reports whether archival should run.
func (a *ArchiveConfig) Enabled() bool {
	return a.Bucket != ""
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("TRADEWIRE_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:        absDataDir,
		Port:           getEnvAsInt("PORT", 8002),
		DevMode:        getEnvAsBool("DEV_MODE", false),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		StorePath:      getEnv("STORE_PATH", ""),
		AuthSecret:     getEnv("AUTH_SECRET", ""),
		AuthDisable:    getEnvAsBool("AUTH_DISABLED", false),
		IdempotencyTTL: getEnvAsDuration("IDEMPOTENCY_TTL", 24*time.Hour),
		Broker:         loadBrokerConfig(),
		Paper:          loadPaperConfig(),
		Alpaca:         loadAlpacaConfig(),
		IB:             loadIBConfig(),
		Hub:            loadHubConfig(),
		Scanner:        loadScannerConfig(),
		Agg:            loadAggregationConfig(),
		Archive:        loadArchiveConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !c.AuthDisable && !c.DevMode && c.AuthSecret == "" {
		return fmt.Errorf("AUTH_SECRET is required unless AUTH_DISABLED or DEV_MODE is set")
	}
	switch c.Hub.OverflowPolicy {
	case "dropOldest", "disconnect":
	default:
		return fmt.Errorf("invalid HUB_OVERFLOW_POLICY %q (want dropOldest or disconnect)", c.Hub.OverflowPolicy)
	}
	if c.Paper.PartialFillProb < 0 || c.Paper.PartialFillProb > 1 {
		return fmt.Errorf("PAPER_PARTIAL_FILL_PROB must be within [0,1]")
	}
	if c.Paper.RejectProb < 0 || c.Paper.RejectProb > 1 {
		return fmt.Errorf("PAPER_REJECT_PROB must be within [0,1]")
	}
	if c.Hub.QueueSize < 1 {
		return fmt.Errorf("HUB_QUEUE_SIZE must be positive")
	}
	if c.Scanner.FetchConcurrency < 1 {
		return fmt.Errorf("SCANNER_FETCH_CONCURRENCY must be positive")
	}
	if c.Archive.Enabled() && (c.Archive.AccessKey == "" || c.Archive.SecretKey == "") {
		return fmt.Errorf("archive bucket configured without credentials")
	}
	return nil
}

func loadBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		RateLimitPerMinute: getEnvAsInt("BROKER_RATE_LIMIT_PER_MINUTE", 200),
		RetryBase:          getEnvAsDuration("BROKER_RETRY_BASE", 250*time.Millisecond),
		RetryMax:           getEnvAsDuration("BROKER_RETRY_MAX", 5*time.Second),
		CacheTTL:           getEnvAsDuration("BROKER_CACHE_TTL", 30*time.Second),
		CallTimeout:        getEnvAsDuration("BROKER_CALL_TIMEOUT", 30*time.Second),
		MaxOrderAmount:     getEnvAsFloat("BROKER_MAX_ORDER_AMOUNT", 250000),
		SymbolAllowlist:    getEnvAsList("BROKER_SYMBOL_ALLOWLIST", nil),
	}
}

func loadPaperConfig() *PaperConfig {
	return &PaperConfig{
		FillLatency:        getEnvAsDuration("PAPER_FILL_LATENCY", 100*time.Millisecond),
		SlippageBps:        getEnvAsFloat("PAPER_SLIPPAGE_BPS", 5),
		PartialFillProb:    getEnvAsFloat("PAPER_PARTIAL_FILL_PROB", 0.1),
		RejectProb:         getEnvAsFloat("PAPER_REJECT_PROB", 0),
		CommissionPerShare: getEnvAsFloat("PAPER_COMMISSION_PER_SHARE", 0.005),
		CommissionMin:      getEnvAsFloat("PAPER_COMMISSION_MIN", 1.0),
		StartingCash:       getEnvAsFloat("PAPER_STARTING_CASH", 100000),
		MarketOpen:         getEnv("PAPER_MARKET_OPEN", "09:30"),
		MarketClose:        getEnv("PAPER_MARKET_CLOSE", "16:00"),
		Seed:               int64(getEnvAsInt("PAPER_SEED", 0)),
	}
}

func loadAlpacaConfig() *AlpacaConfig {
	return &AlpacaConfig{
		BaseURL:       getEnv("ALPACA_BASE_URL", "https://paper-api.alpaca.markets"),
		KeyID:         getEnv("ALPACA_API_KEY_ID", ""),
		SecretKey:     getEnv("ALPACA_API_SECRET_KEY", ""),
		WebhookSecret: getEnv("ALPACA_WEBHOOK_SECRET", ""),
	}
}

func loadIBConfig() *IBConfig {
	return &IBConfig{
		GatewayURL:    getEnv("IB_GATEWAY_URL", "https://localhost:5000"),
		ClientID:      getEnvAsInt("IB_CLIENT_ID", 1),
		WebhookSecret: getEnv("IB_WEBHOOK_SECRET", ""),
	}
}

func loadHubConfig() *HubConfig {
	return &HubConfig{
		QueueSize:          getEnvAsInt("HUB_QUEUE_SIZE", 256),
		RateLimitPerSecond: getEnvAsInt("HUB_RATE_LIMIT_PER_SECOND", 100),
		HeartbeatInterval:  getEnvAsDuration("HUB_HEARTBEAT_INTERVAL", 30*time.Second),
		OverflowPolicy:     getEnv("HUB_OVERFLOW_POLICY", "dropOldest"),
	}
}

func loadScannerConfig() *ScannerConfig {
	return &ScannerConfig{
		CacheTTL:         getEnvAsDuration("SCANNER_CACHE_TTL", 60*time.Second),
		FetchConcurrency: getEnvAsInt("SCANNER_FETCH_CONCURRENCY", 50),
		MaxLimit:         getEnvAsInt("SCANNER_MAX_LIMIT", 1000),
	}
}

func loadAggregationConfig() *AggregationConfig {
	return &AggregationConfig{
		MinScanners: getEnvAsInt("AGG_MIN_SCANNERS", 2),
		Watchlist:   getEnvAsList("WATCHLIST_SYMBOLS", nil),
	}
}

func loadArchiveConfig() *ArchiveConfig {
	return &ArchiveConfig{
		Bucket:    getEnv("ARCHIVE_BUCKET", ""),
		Endpoint:  getEnv("ARCHIVE_ENDPOINT", ""),
		Region:    getEnv("ARCHIVE_REGION", "auto"),
		AccessKey: getEnv("ARCHIVE_ACCESS_KEY_ID", ""),
		SecretKey: getEnv("ARCHIVE_SECRET_ACCESS_KEY", ""),
		Schedule:  getEnv("ARCHIVE_SCHEDULE", "0 0 3 * * *"),
		Keep:      getEnvAsInt("ARCHIVE_KEEP", 14),
	}
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
