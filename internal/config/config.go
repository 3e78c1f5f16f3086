package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/klinevault/klinevault/internal/domain"
)

// Duration wraps time.Duration so YAML configs can say "2s" or "200ms".
// Bare numbers are seconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs float64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config is the full runtime configuration. Loaded once at startup from an
// optional YAML file, then overridden by environment variables.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Store     StoreConfig     `yaml:"store"`
	Service   ServiceConfig   `yaml:"service"`
	Quality   QualityConfig   `yaml:"quality"`
	Repair    RepairConfig    `yaml:"repair"`
	Retention RetentionConfig `yaml:"retention"`
	HTTP      HTTPConfig      `yaml:"http"`
	Redis     RedisConfig     `yaml:"redis"`
	Stream    StreamConfig    `yaml:"stream"`
}

// DatabaseConfig selects the storage backend. Driver is "sqlite3" (embedded,
// WAL) or "postgres".
type DatabaseConfig struct {
	Driver  string `yaml:"driver"`
	DataDir string `yaml:"data_dir"`
	DSN     string `yaml:"dsn"`
}

// AdapterConfig tunes the Bybit REST adapter.
type AdapterConfig struct {
	BaseURL           string   `yaml:"base_url"`
	RateLimitMs       int      `yaml:"rate_limit_ms"`
	KlineTimeout      Duration `yaml:"kline_timeout"`
	InstrumentsTTL    Duration `yaml:"instruments_ttl"`
	MaxRetries        int      `yaml:"max_retries"`
	BackoffInitial    Duration `yaml:"backoff_initial"`
	BackoffMultiplier float64  `yaml:"backoff_multiplier"`
	BackoffCap        Duration `yaml:"backoff_cap"`
}

// StoreConfig tunes the write queue and batching.
type StoreConfig struct {
	QueueCapacity int      `yaml:"queue_capacity"`
	BatchSize     int      `yaml:"batch_size"`
	BatchFlushMs  int      `yaml:"batch_flush_ms"`
	DrainTimeout  Duration `yaml:"drain_timeout"`
}

// ServiceConfig tunes the smart kline service.
type ServiceConfig struct {
	RAMLimit          int                 `yaml:"ram_limit"`
	UpdatePeriodS     int                 `yaml:"update_period_s"`
	RequiredIntervals []string            `yaml:"required_intervals"`
	Adjacency         map[string][]string `yaml:"adjacency"`
	MaxCandlesToLoad  map[string]int      `yaml:"max_candles_to_load"`
	MarketType        domain.MarketType   `yaml:"market_type"`
}

// QualityConfig tunes the data-quality monitor.
type QualityConfig struct {
	MonitorPeriodS        int           `yaml:"monitor_period_s"`
	CompletenessThreshold float64       `yaml:"completeness_threshold"`
	ContinuityWindow      int           `yaml:"continuity_window"`
	Workers               int           `yaml:"workers"`
	Outlier               OutlierConfig `yaml:"outlier"`
}

// OutlierConfig exposes the isolation-forest tuning knobs.
type OutlierConfig struct {
	Contamination float64 `yaml:"contamination"`
	Trees         int     `yaml:"trees"`
	SubsampleSize int     `yaml:"subsample_size"`
	MinCandles    int     `yaml:"min_candles"`
}

// RepairConfig tunes the gap repair engine.
type RepairConfig struct {
	ZThreshold       float64  `yaml:"z_threshold"`
	CriticalGapPct   float64  `yaml:"critical_gap_pct"`
	MaxGapsPerPass   int      `yaml:"max_gaps_per_pass"`
	RateLimitDelay   Duration `yaml:"rate_limit_delay"`
	ContextIntervals int      `yaml:"context_intervals"`
	RepairWeekends   bool     `yaml:"repair_weekends"`
	IntervalHours    int      `yaml:"interval_hours"`
}

// RetentionConfig bounds the persisted window.
type RetentionConfig struct {
	GlobalMinDate    string `yaml:"global_min_date"`
	MaxRetentionDays int    `yaml:"max_retention_days"`
	CheckDays        int    `yaml:"check_days"`
}

// HTTPConfig configures the diagnostics server.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RedisConfig enables the optional warm cache tier. Empty Addr disables it.
type RedisConfig struct {
	Addr string   `yaml:"addr"`
	TTL  Duration `yaml:"ttl"`
}

// StreamConfig enables the live WebSocket kline feed.
type StreamConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// Default returns the configuration with all spec defaults applied.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:  "sqlite3",
			DataDir: "./data",
		},
		Adapter: AdapterConfig{
			BaseURL:           "https://api.bybit.com",
			RateLimitMs:       100,
			KlineTimeout:      Duration(2 * time.Second),
			InstrumentsTTL:    Duration(5 * time.Minute),
			MaxRetries:        3,
			BackoffInitial:    Duration(time.Second),
			BackoffMultiplier: 1.8,
			BackoffCap:        Duration(20 * time.Second),
		},
		Store: StoreConfig{
			QueueCapacity: 10_000,
			BatchSize:     100,
			BatchFlushMs:  1000,
			DrainTimeout:  Duration(10 * time.Second),
		},
		Service: ServiceConfig{
			RAMLimit:          500,
			UpdatePeriodS:     60,
			RequiredIntervals: []string{"1", "60"},
			Adjacency: map[string][]string{
				"1":   {"3", "5"},
				"3":   {"1", "5"},
				"5":   {"3", "15"},
				"15":  {"5", "30"},
				"30":  {"15", "60"},
				"60":  {"30", "120"},
				"120": {"60", "240"},
				"240": {"120", "360"},
				"360": {"240", "720"},
				"720": {"360", "D"},
				"D":   {"720", "W"},
				"W":   {"D"},
			},
			MaxCandlesToLoad: map[string]int{
				"1":   10_000,
				"3":   8_000,
				"5":   8_000,
				"15":  6_000,
				"30":  5_000,
				"60":  4_000,
				"120": 3_000,
				"240": 2_000,
				"360": 1_500,
				"720": 1_000,
				"D":   730,
				"W":   260,
			},
			MarketType: domain.MarketLinear,
		},
		Quality: QualityConfig{
			MonitorPeriodS:        60,
			CompletenessThreshold: 95.0,
			ContinuityWindow:      500,
			Workers:               2,
			Outlier: OutlierConfig{
				Contamination: 0.02,
				Trees:         64,
				SubsampleSize: 256,
				MinCandles:    50,
			},
		},
		Repair: RepairConfig{
			ZThreshold:       3.0,
			CriticalGapPct:   1.5,
			MaxGapsPerPass:   50,
			RateLimitDelay:   Duration(200 * time.Millisecond),
			ContextIntervals: 3,
			RepairWeekends:   false,
			IntervalHours:    6,
		},
		Retention: RetentionConfig{
			GlobalMinDate:    "2025-01-01",
			MaxRetentionDays: 730,
			CheckDays:        30,
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		Redis: RedisConfig{
			TTL: Duration(30 * time.Second),
		},
		Stream: StreamConfig{
			URL: "wss://stream.bybit.com/v5/public/linear",
		},
	}
}

// Load reads the optional YAML file at path (skipped when empty or missing),
// applies environment overrides, and validates the result. A .env file in
// the working directory is honored when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv maps the enumerated environment keys onto the config.
func applyEnv(cfg *Config) {
	envStr("DATA_DIR", &cfg.Database.DataDir)
	envStr("DATABASE_DSN", &cfg.Database.DSN)
	envStr("DATABASE_DRIVER", &cfg.Database.Driver)
	envStr("GLOBAL_MIN_DATE", &cfg.Retention.GlobalMinDate)
	envInt("MAX_RETENTION_DAYS", &cfg.Retention.MaxRetentionDays)
	envInt("RETENTION_CHECK_DAYS", &cfg.Retention.CheckDays)
	envInt("RAM_LIMIT", &cfg.Service.RAMLimit)
	envInt("BATCH_SIZE", &cfg.Store.BatchSize)
	envInt("BATCH_FLUSH_MS", &cfg.Store.BatchFlushMs)
	envInt("MONITOR_PERIOD_S", &cfg.Quality.MonitorPeriodS)
	envInt("REPAIR_INTERVAL_HOURS", &cfg.Repair.IntervalHours)
	envInt("RATE_LIMIT_MS", &cfg.Adapter.RateLimitMs)
	envFloat("COMPLETENESS_THRESHOLD", &cfg.Quality.CompletenessThreshold)
	envFloat("Z_THRESHOLD", &cfg.Repair.ZThreshold)
	envFloat("CRITICAL_GAP_PCT", &cfg.Repair.CriticalGapPct)
	envStr("REDIS_ADDR", &cfg.Redis.Addr)
	envStr("HTTP_ADDR", &cfg.HTTP.Addr)

	if v := os.Getenv("HTTP_TIMEOUT_S"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
			cfg.Adapter.KlineTimeout = Duration(secs * float64(time.Second))
		}
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// GlobalMinTime parses the retention floor. Invalid dates fall back to the
// default floor rather than disabling retention.
func (c Config) GlobalMinTime() time.Time {
	t, err := time.Parse("2006-01-02", c.Retention.GlobalMinDate)
	if err != nil {
		t, _ = time.Parse("2006-01-02", "2025-01-01")
	}
	return t.UTC()
}

// GlobalMinMs is GlobalMinTime in epoch milliseconds.
func (c Config) GlobalMinMs() int64 {
	return c.GlobalMinTime().UnixMilli()
}

// RequiredIntervalSet parses and normalizes the always-loaded intervals.
func (c Config) RequiredIntervalSet() []domain.Interval {
	out := make([]domain.Interval, 0, len(c.Service.RequiredIntervals))
	for _, s := range c.Service.RequiredIntervals {
		if iv, err := domain.ParseInterval(s); err == nil {
			out = append(out, iv)
		}
	}
	return out
}

// AdjacentIntervals returns the pre-warm neighbors for an interval.
func (c Config) AdjacentIntervals(iv domain.Interval) []domain.Interval {
	var out []domain.Interval
	for _, s := range c.Service.Adjacency[string(iv)] {
		if adj, err := domain.ParseInterval(s); err == nil {
			out = append(out, adj)
		}
	}
	return out
}

// TargetCandles returns the historical load target for an interval,
// defaulting to 1000 when unconfigured.
func (c Config) TargetCandles(iv domain.Interval) int {
	if n, ok := c.Service.MaxCandlesToLoad[string(iv)]; ok && n > 0 {
		return n
	}
	return 1000
}

// Validate rejects configurations the process cannot run with.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("postgres driver requires a DSN")
	}
	if c.Store.BatchSize <= 0 || c.Store.QueueCapacity <= 0 {
		return fmt.Errorf("store batch_size and queue_capacity must be positive")
	}
	if c.Service.RAMLimit <= 0 {
		return fmt.Errorf("service ram_limit must be positive")
	}
	if !c.Service.MarketType.Valid() {
		return fmt.Errorf("unsupported market type %q", c.Service.MarketType)
	}
	if _, err := time.Parse("2006-01-02", c.Retention.GlobalMinDate); err != nil {
		return fmt.Errorf("invalid global_min_date %q: %w", c.Retention.GlobalMinDate, err)
	}
	if c.Quality.Outlier.Contamination <= 0 || c.Quality.Outlier.Contamination >= 0.5 {
		return fmt.Errorf("outlier contamination must be in (0, 0.5)")
	}
	return nil
}

// SQLiteDSN builds the embedded-store DSN with WAL mode enabled.
func (c Config) SQLiteDSN() string {
	return fmt.Sprintf("file:%s/kline_audit.db?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", c.Database.DataDir)
}
