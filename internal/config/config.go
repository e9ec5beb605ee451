// Package config defines all configuration for the trading node.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via TRADE_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// ReservationPolicy selects the reference price used to reserve buy-side
// funds from the available balance at submit time.
type ReservationPolicy string

const (
	// ReserveLimitPrice uses the order's limit price for limit and
	// stop-limit orders, falling back to the last cached ask for market and
	// stop orders. Submits are rejected when neither is available.
	ReserveLimitPrice ReservationPolicy = "limit_price"
	// ReserveLastTick always uses the last cached ask for the symbol.
	ReserveLastTick ReservationPolicy = "last_tick"
	// ReserveExplicit requires the caller to provide a reservation price on
	// the submit request.
	ReserveExplicit ReservationPolicy = "explicit"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Feed      FeedConfig      `mapstructure:"feed"`
	TickCache TickCacheConfig `mapstructure:"tick_cache"`
	Store     StoreConfig     `mapstructure:"store"`
	API       APIConfig       `mapstructure:"api"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EngineConfig tunes the event loop.
//
//   - EventChannelCapacity: bound of the typed-event channel. When the
//     channel is saturated, submits and cancels fail with ErrBusy while
//     ticks coalesce in the feed.
//   - SlowEventThreshold: handlers exceeding this raise a structured
//     warning (events are never dropped for being slow).
//   - ShutdownDrainTimeout: how long the loop keeps draining in-flight
//     events after a shutdown signal before failing the rest with
//     ErrShutdown.
type EngineConfig struct {
	EventChannelCapacity int           `mapstructure:"event_channel_capacity"`
	SlowEventThreshold   time.Duration `mapstructure:"slow_event_threshold"`
	ShutdownDrainTimeout time.Duration `mapstructure:"shutdown_drain_timeout"`
}

// TradingConfig tunes settlement.
//
//   - CommissionRate: fraction of trade value charged per execution.
//   - ReservationPricePolicy: see ReservationPolicy.
//   - RetryAttempts / RetryBaseWait: bounded exponential backoff for
//     transient durable-store and publish failures inside one event.
type TradingConfig struct {
	CommissionRate         string            `mapstructure:"commission_rate"`
	ReservationPricePolicy ReservationPolicy `mapstructure:"reservation_price_policy"`
	RetryAttempts          int               `mapstructure:"retry_attempts"`
	RetryBaseWait          time.Duration     `mapstructure:"retry_base_wait"`
}

// CommissionRateDecimal parses the configured commission rate.
func (t TradingConfig) CommissionRateDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(t.CommissionRate)
}

// FeedConfig controls the tick source.
//
//   - Mode: "simulator" (deterministic random walk) or "rest" (external
//     quote API polled via HTTP).
//   - Symbols: the fixed symbol universe.
//   - Interval: emission cadence per cycle across all symbols (10ms gives
//     100 Hz per symbol).
//   - SpreadRatio: half-spread relative to the last price.
//   - RestURL / RestRatePerSec: external adapter endpoint and request pacing.
type FeedConfig struct {
	Mode           string        `mapstructure:"mode"`
	Symbols        []string      `mapstructure:"symbols"`
	Interval       time.Duration `mapstructure:"interval"`
	SpreadRatio    string        `mapstructure:"spread_ratio"`
	Seed           int64         `mapstructure:"seed"`
	RestURL        string        `mapstructure:"rest_url"`
	RestRatePerSec float64       `mapstructure:"rest_rate_per_sec"`
}

// TickCacheConfig sets the staleness bound for cached quotes.
type TickCacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// StoreConfig sets where durable state is persisted (JSON files + execution log).
type StoreConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// APIConfig controls the HTTP/WebSocket server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with TRADE_* env var overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns a config with all defaults applied and no file read.
// Used by tests and as the baseline for partial YAML files.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{
			EventChannelCapacity: 4096,
			SlowEventThreshold:   time.Millisecond,
			ShutdownDrainTimeout: 5 * time.Second,
		},
		Trading: TradingConfig{
			CommissionRate:         "0.001",
			ReservationPricePolicy: ReserveLimitPrice,
			RetryAttempts:          3,
			RetryBaseWait:          50 * time.Millisecond,
		},
		Feed: FeedConfig{
			Mode:        "simulator",
			Symbols:     []string{"EURUSD", "GBPUSD", "USDJPY", "AUDUSD", "USDCAD", "BTCUSD", "ETHUSD"},
			Interval:    10 * time.Millisecond,
			SpreadRatio: "0.0002",
		},
		TickCache: TickCacheConfig{TTL: 5 * time.Second},
		Store:     StoreConfig{DataDir: "data"},
		API: APIConfig{
			Enabled: true,
			Port:    8002,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("engine.event_channel_capacity", d.Engine.EventChannelCapacity)
	v.SetDefault("engine.slow_event_threshold", d.Engine.SlowEventThreshold)
	v.SetDefault("engine.shutdown_drain_timeout", d.Engine.ShutdownDrainTimeout)
	v.SetDefault("trading.commission_rate", d.Trading.CommissionRate)
	v.SetDefault("trading.reservation_price_policy", string(d.Trading.ReservationPricePolicy))
	v.SetDefault("trading.retry_attempts", d.Trading.RetryAttempts)
	v.SetDefault("trading.retry_base_wait", d.Trading.RetryBaseWait)
	v.SetDefault("feed.mode", d.Feed.Mode)
	v.SetDefault("feed.symbols", d.Feed.Symbols)
	v.SetDefault("feed.interval", d.Feed.Interval)
	v.SetDefault("feed.spread_ratio", d.Feed.SpreadRatio)
	v.SetDefault("tick_cache.ttl", d.TickCache.TTL)
	v.SetDefault("store.data_dir", d.Store.DataDir)
	v.SetDefault("api.enabled", d.API.Enabled)
	v.SetDefault("api.port", d.API.Port)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Engine.EventChannelCapacity <= 0 {
		return fmt.Errorf("engine.event_channel_capacity must be > 0")
	}
	if c.Engine.SlowEventThreshold <= 0 {
		return fmt.Errorf("engine.slow_event_threshold must be > 0")
	}
	if c.Engine.ShutdownDrainTimeout <= 0 {
		return fmt.Errorf("engine.shutdown_drain_timeout must be > 0")
	}
	rate, err := c.Trading.CommissionRateDecimal()
	if err != nil {
		return fmt.Errorf("trading.commission_rate: %w", err)
	}
	if rate.IsNegative() {
		return fmt.Errorf("trading.commission_rate must be >= 0")
	}
	switch c.Trading.ReservationPricePolicy {
	case ReserveLimitPrice, ReserveLastTick, ReserveExplicit:
	default:
		return fmt.Errorf("trading.reservation_price_policy must be one of: limit_price, last_tick, explicit")
	}
	if c.Trading.RetryAttempts < 1 {
		return fmt.Errorf("trading.retry_attempts must be >= 1")
	}
	switch c.Feed.Mode {
	case "simulator":
	case "rest":
		if c.Feed.RestURL == "" {
			return fmt.Errorf("feed.rest_url is required when feed.mode is rest")
		}
	default:
		return fmt.Errorf("feed.mode must be one of: simulator, rest")
	}
	if len(c.Feed.Symbols) == 0 {
		return fmt.Errorf("feed.symbols must not be empty")
	}
	if c.Feed.Interval <= 0 {
		return fmt.Errorf("feed.interval must be > 0")
	}
	if _, err := decimal.NewFromString(c.Feed.SpreadRatio); err != nil {
		return fmt.Errorf("feed.spread_ratio: %w", err)
	}
	if c.TickCache.TTL <= 0 {
		return fmt.Errorf("tick_cache.ttl must be > 0")
	}
	if c.Store.DataDir == "" {
		return fmt.Errorf("store.data_dir is required")
	}
	if c.API.Enabled && c.API.Port == 0 {
		return fmt.Errorf("api.port is required when api.enabled is true")
	}
	return nil
}
