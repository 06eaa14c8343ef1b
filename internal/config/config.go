package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/liamashdown/marketrecorder/internal/secrets"
	"go.yaml.in/yaml/v4"
)

// Database drivers supported by the storage layer
const (
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds all application configuration
type Config struct {
	// Environment
	Environment string

	// Database
	DatabaseDriver      string
	DatabasePath        string // sqlite file
	DatabaseDSN         string // mysql / postgres
	DatabaseMaxConns    int
	DatabaseMaxIdleTime time.Duration
	StoreBatchSize      int
	StoreRetryDelay     time.Duration

	// Gamma API
	GammaAPIBaseURL    string
	GammaAPIMarketsRPS float64
	GammaAPITimeout    time.Duration
	GammaPageSize      int
	GammaMaxPages      int // 0 pages until exhausted
	ActiveOnly         bool

	// CLOB REST API (order book depth)
	ClobAPIBaseURL string
	ClobAPIBookRPS float64
	OrderbookDepth int // 0 disables per-cycle book capture

	// Market websocket
	MarketWSURL        string
	StreamBackoffBase  time.Duration
	StreamBackoffMax   time.Duration
	StreamMaxRetries   int // 0 = retry forever
	StreamPingInterval time.Duration
	StreamReadTimeout  time.Duration

	// Recording loop
	Interval     time.Duration
	CycleTimeout time.Duration
	MinVolume    float64
	MinLiquidity float64
	Once         bool
	Trades       bool
	Verbose      bool

	// Metrics/Health
	HealthPort int
}

// Default returns the configuration used when nothing else is set
func Default() *Config {
	return &Config{
		Environment:         "production",
		DatabaseDriver:      DriverSQLite,
		DatabasePath:        "./data/snapshots.db",
		DatabaseMaxConns:    10,
		DatabaseMaxIdleTime: 5 * time.Minute,
		StoreBatchSize:      500,
		StoreRetryDelay:     500 * time.Millisecond,
		GammaAPIBaseURL:     "https://gamma-api.polymarket.com",
		GammaAPIMarketsRPS:  5.0,
		GammaAPITimeout:     30 * time.Second,
		GammaPageSize:       100,
		GammaMaxPages:       0,
		ActiveOnly:          true,
		ClobAPIBaseURL:      "https://clob.polymarket.com",
		ClobAPIBookRPS:      5.0,
		OrderbookDepth:      0,
		MarketWSURL:         "wss://ws-subscriptions-clob.polymarket.com/ws/market",
		StreamBackoffBase:   1 * time.Second,
		StreamBackoffMax:    60 * time.Second,
		StreamMaxRetries:    0,
		StreamPingInterval:  30 * time.Second,
		StreamReadTimeout:   90 * time.Second,
		Interval:            60 * time.Second,
		CycleTimeout:        5 * time.Minute,
		MinVolume:           1000.0,
		MinLiquidity:        500.0,
		HealthPort:          8080,
	}
}

// Load builds the configuration from defaults, an optional YAML file, then
// environment variables, then any flags that were explicitly set.
func Load(flags *Flags) (*Config, error) {
	cfg := Default()

	path := os.Getenv("CONFIG_FILE")
	if flags != nil && flags.ConfigPath != "" {
		path = flags.ConfigPath
	}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if flags != nil {
		flags.Apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Environment = getEnv("ENVIRONMENT", c.Environment)
	c.DatabaseDriver = getEnv("DATABASE_DRIVER", c.DatabaseDriver)
	c.DatabasePath = getEnv("DATABASE_PATH", c.DatabasePath)
	c.DatabaseDSN = secrets.GetOptionalSecret("DATABASE_DSN", c.DatabaseDSN)
	c.DatabaseMaxConns = getEnvInt("DATABASE_MAX_CONNS", c.DatabaseMaxConns)
	c.DatabaseMaxIdleTime = getEnvDuration("DATABASE_MAX_IDLE_TIME_MINS", time.Minute, c.DatabaseMaxIdleTime)
	c.StoreBatchSize = getEnvInt("STORE_BATCH_SIZE", c.StoreBatchSize)
	c.StoreRetryDelay = getEnvDuration("STORE_RETRY_DELAY_MS", time.Millisecond, c.StoreRetryDelay)
	c.GammaAPIBaseURL = getEnv("GAMMA_API_BASE_URL", c.GammaAPIBaseURL)
	c.GammaAPIMarketsRPS = getEnvFloat("GAMMA_API_MARKETS_RPS", c.GammaAPIMarketsRPS)
	c.GammaAPITimeout = getEnvDuration("GAMMA_API_TIMEOUT_SEC", time.Second, c.GammaAPITimeout)
	c.GammaPageSize = getEnvInt("GAMMA_PAGE_SIZE", c.GammaPageSize)
	c.GammaMaxPages = getEnvInt("GAMMA_MAX_PAGES", c.GammaMaxPages)
	c.ActiveOnly = getEnvBool("ACTIVE_ONLY", c.ActiveOnly)
	c.ClobAPIBaseURL = getEnv("CLOB_API_BASE_URL", c.ClobAPIBaseURL)
	c.ClobAPIBookRPS = getEnvFloat("CLOB_API_BOOK_RPS", c.ClobAPIBookRPS)
	c.OrderbookDepth = getEnvInt("ORDERBOOK_DEPTH", c.OrderbookDepth)
	c.MarketWSURL = getEnv("MARKET_WS_URL", c.MarketWSURL)
	c.StreamBackoffBase = getEnvDuration("STREAM_BACKOFF_BASE_MS", time.Millisecond, c.StreamBackoffBase)
	c.StreamBackoffMax = getEnvDuration("STREAM_BACKOFF_MAX_SEC", time.Second, c.StreamBackoffMax)
	c.StreamMaxRetries = getEnvInt("STREAM_MAX_RETRIES", c.StreamMaxRetries)
	c.StreamPingInterval = getEnvDuration("STREAM_PING_INTERVAL_SEC", time.Second, c.StreamPingInterval)
	c.StreamReadTimeout = getEnvDuration("STREAM_READ_TIMEOUT_SEC", time.Second, c.StreamReadTimeout)
	c.Interval = getEnvDuration("INTERVAL_SEC", time.Second, c.Interval)
	c.CycleTimeout = getEnvDuration("CYCLE_TIMEOUT_SEC", time.Second, c.CycleTimeout)
	c.MinVolume = getEnvFloat("MIN_VOLUME", c.MinVolume)
	c.MinLiquidity = getEnvFloat("MIN_LIQUIDITY", c.MinLiquidity)
	c.Once = getEnvBool("ONCE", c.Once)
	c.Trades = getEnvBool("TRADES", c.Trades)
	c.Verbose = getEnvBool("VERBOSE", c.Verbose)
	c.HealthPort = getEnvInt("HEALTH_PORT", c.HealthPort)
}

// fileConfig is the YAML layout. Absent keys leave the current value alone.
type fileConfig struct {
	Environment *string `yaml:"environment"`
	Database    struct {
		Driver    *string   `yaml:"driver"`
		Path      *string   `yaml:"path"`
		DSN       *string   `yaml:"dsn"`
		MaxConns  *int      `yaml:"max_conns"`
		BatchSize *int      `yaml:"batch_size"`
		RetryWait *Duration `yaml:"retry_delay"`
	} `yaml:"database"`
	Gamma struct {
		BaseURL  *string   `yaml:"base_url"`
		RPS      *float64  `yaml:"rps"`
		Timeout  *Duration `yaml:"timeout"`
		PageSize *int      `yaml:"page_size"`
		MaxPages *int      `yaml:"max_pages"`
		Active   *bool     `yaml:"active_only"`
	} `yaml:"gamma"`
	Clob struct {
		BaseURL        *string  `yaml:"base_url"`
		RPS            *float64 `yaml:"rps"`
		OrderbookDepth *int     `yaml:"orderbook_depth"`
	} `yaml:"clob"`
	Stream struct {
		URL          *string   `yaml:"url"`
		BackoffBase  *Duration `yaml:"backoff_base"`
		BackoffMax   *Duration `yaml:"backoff_max"`
		MaxRetries   *int      `yaml:"max_retries"`
		PingInterval *Duration `yaml:"ping_interval"`
		ReadTimeout  *Duration `yaml:"read_timeout"`
	} `yaml:"stream"`
	Recorder struct {
		Interval     *Duration `yaml:"interval"`
		CycleTimeout *Duration `yaml:"cycle_timeout"`
		MinVolume    *float64  `yaml:"min_volume"`
		MinLiquidity *float64  `yaml:"min_liquidity"`
		Trades       *bool     `yaml:"trades"`
	} `yaml:"recorder"`
	HealthPort *int `yaml:"health_port"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&c.Environment, fc.Environment)
	setString(&c.DatabaseDriver, fc.Database.Driver)
	setString(&c.DatabasePath, fc.Database.Path)
	setString(&c.DatabaseDSN, fc.Database.DSN)
	setInt(&c.DatabaseMaxConns, fc.Database.MaxConns)
	setInt(&c.StoreBatchSize, fc.Database.BatchSize)
	setDuration(&c.StoreRetryDelay, fc.Database.RetryWait)
	setString(&c.GammaAPIBaseURL, fc.Gamma.BaseURL)
	setFloat(&c.GammaAPIMarketsRPS, fc.Gamma.RPS)
	setDuration(&c.GammaAPITimeout, fc.Gamma.Timeout)
	setInt(&c.GammaPageSize, fc.Gamma.PageSize)
	setInt(&c.GammaMaxPages, fc.Gamma.MaxPages)
	setBool(&c.ActiveOnly, fc.Gamma.Active)
	setString(&c.ClobAPIBaseURL, fc.Clob.BaseURL)
	setFloat(&c.ClobAPIBookRPS, fc.Clob.RPS)
	setInt(&c.OrderbookDepth, fc.Clob.OrderbookDepth)
	setString(&c.MarketWSURL, fc.Stream.URL)
	setDuration(&c.StreamBackoffBase, fc.Stream.BackoffBase)
	setDuration(&c.StreamBackoffMax, fc.Stream.BackoffMax)
	setInt(&c.StreamMaxRetries, fc.Stream.MaxRetries)
	setDuration(&c.StreamPingInterval, fc.Stream.PingInterval)
	setDuration(&c.StreamReadTimeout, fc.Stream.ReadTimeout)
	setDuration(&c.Interval, fc.Recorder.Interval)
	setDuration(&c.CycleTimeout, fc.Recorder.CycleTimeout)
	setFloat(&c.MinVolume, fc.Recorder.MinVolume)
	setFloat(&c.MinLiquidity, fc.Recorder.MinLiquidity)
	setBool(&c.Trades, fc.Recorder.Trades)
	setInt(&c.HealthPort, fc.HealthPort)

	return nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	switch c.DatabaseDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required when DATABASE_DRIVER is sqlite")
		}
	case DriverMySQL, DriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_DSN is required when DATABASE_DRIVER is %s", c.DatabaseDriver)
		}
	default:
		return fmt.Errorf("invalid DATABASE_DRIVER: %s (must be sqlite, mysql, or postgres)", c.DatabaseDriver)
	}

	if c.GammaAPIBaseURL == "" {
		return errors.New("GAMMA_API_BASE_URL is required")
	}
	if c.GammaPageSize <= 0 {
		return fmt.Errorf("GAMMA_PAGE_SIZE must be positive, got %d", c.GammaPageSize)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", c.Interval)
	}
	if c.MinVolume < 0 || c.MinLiquidity < 0 {
		return errors.New("min volume and min liquidity must not be negative")
	}
	if c.OrderbookDepth < 0 {
		return fmt.Errorf("ORDERBOOK_DEPTH must not be negative, got %d", c.OrderbookDepth)
	}
	if c.Trades && c.MarketWSURL == "" {
		return errors.New("MARKET_WS_URL is required when trade streaming is enabled")
	}
	if c.StreamBackoffBase <= 0 || c.StreamBackoffMax < c.StreamBackoffBase {
		return fmt.Errorf("invalid stream backoff: base %s, max %s", c.StreamBackoffBase, c.StreamBackoffMax)
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration reads an integer count of unit
func getEnvDuration(key string, unit time.Duration, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * unit
		}
	}
	return defaultValue
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *Duration) {
	if v != nil {
		*dst = v.Duration()
	}
}
