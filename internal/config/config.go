// Package config defines the bond engine's configuration and its validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/bond-engine/internal/bondmath"
	"github.com/atmx/bond-engine/internal/fixedpoint"
	"github.com/atmx/bond-engine/internal/model"
)

// Config is the root configuration structure. Fields are populated from an
// optional TOML file and then overridden by BOND_* environment variables.
type Config struct {
	Server      ServerConfig      `toml:"server"`
	Database    DatabaseConfig    `toml:"database"`
	Redis       RedisConfig       `toml:"redis"`
	NATS        NATSConfig        `toml:"nats"`
	Pool        PoolDefaults      `toml:"pool"`
	YieldSource YieldSourceConfig `toml:"yield_source"`
	Exposure    ExposureConfig    `toml:"exposure"`
	LogLevel    string            `toml:"log_level"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// DatabaseConfig selects PostgreSQL. An empty URL keeps everything in memory.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through cache in front of PostgreSQL.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// NATSConfig controls outbound event publishing.
type NATSConfig struct {
	Enabled       bool   `toml:"enabled"`
	URL           string `toml:"url"`
	Stream        string `toml:"stream"`
	SubjectPrefix string `toml:"subject_prefix"`
	Buffer        int    `toml:"buffer"`
}

// PoolDefaults are applied to pools created without explicit parameters.
type PoolDefaults struct {
	CheckpointDuration   duration        `toml:"checkpoint_duration"`
	PositionDuration     duration        `toml:"position_duration"`
	TimeStretchAPR       decimal.Decimal `toml:"time_stretch_apr"`
	CurveFee             decimal.Decimal `toml:"curve_fee"`
	FlatFee              decimal.Decimal `toml:"flat_fee"`
	GovernanceFee        decimal.Decimal `toml:"governance_fee"`
	MinimumShareReserves decimal.Decimal `toml:"minimum_share_reserves"`
}

// YieldSourceConfig parameterises the simulated yield source of new pools.
type YieldSourceConfig struct {
	InitialSharePrice decimal.Decimal `toml:"initial_share_price"`
	Rate              decimal.Decimal `toml:"rate"`
}

// ExposureConfig bounds how many bonds one trader may hold.
type ExposureConfig struct {
	MaxPerMaturity decimal.Decimal `toml:"max_per_maturity"`
	MaxCorrelated  decimal.Decimal `toml:"max_correlated"`
	Window         duration        `toml:"window"`
}

// duration is a wrapper around time.Duration that supports TOML string
// decoding (e.g. "24h", "30s").
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config with every field set to a usable value.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Stream:        "BOND_ENGINE_EVENTS",
			SubjectPrefix: "bond.engine.events",
			Buffer:        1024,
		},
		Pool: PoolDefaults{
			CheckpointDuration:   duration{24 * time.Hour},
			PositionDuration:     duration{365 * 24 * time.Hour},
			TimeStretchAPR:       decimal.RequireFromString("0.05"),
			CurveFee:             decimal.RequireFromString("0.1"),
			FlatFee:              decimal.RequireFromString("0.0005"),
			GovernanceFee:        decimal.RequireFromString("0.15"),
			MinimumShareReserves: decimal.NewFromInt(10),
		},
		YieldSource: YieldSourceConfig{
			InitialSharePrice: decimal.NewFromInt(1),
			Rate:              decimal.RequireFromString("0.05"),
		},
		Exposure: ExposureConfig{
			MaxPerMaturity: decimal.NewFromInt(1_000_000),
			MaxCorrelated:  decimal.NewFromInt(5_000_000),
			Window:         duration{7 * 24 * time.Hour},
		},
		LogLevel: "info",
	}
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[strings.ToLower(c.LogLevel)]
}

// Validate checks Config for obviously invalid values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.ReadTimeout.Duration <= 0 || c.Server.WriteTimeout.Duration <= 0 {
		errs = append(errs, "server: read_timeout and write_timeout must be positive")
	}

	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, "redis: the cache requires database.url")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be positive")
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, "nats: url is required when enabled")
		}
		if c.NATS.Stream == "" || c.NATS.SubjectPrefix == "" {
			errs = append(errs, "nats: stream and subject_prefix must not be empty")
		}
	}

	errs = append(errs, c.Pool.validate()...)

	if !c.YieldSource.InitialSharePrice.IsPositive() {
		errs = append(errs, "yield_source: initial_share_price must be positive")
	}
	if c.YieldSource.Rate.IsNegative() {
		errs = append(errs, "yield_source: rate must not be negative")
	}

	if !c.Exposure.MaxPerMaturity.IsPositive() {
		errs = append(errs, "exposure: max_per_maturity must be positive")
	}
	if c.Exposure.MaxCorrelated.LessThan(c.Exposure.MaxPerMaturity) {
		errs = append(errs, "exposure: max_correlated must be >= max_per_maturity")
	}
	if c.Exposure.Window.Duration < 0 {
		errs = append(errs, "exposure: window must not be negative")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  - " + strings.Join(errs, "\n  - "))
	}
	return nil
}

func (p PoolDefaults) validate() []string {
	var errs []string
	checkpoint, position := p.CheckpointDuration.Duration, p.PositionDuration.Duration
	switch {
	case checkpoint < time.Second || checkpoint%time.Second != 0:
		errs = append(errs, "pool: checkpoint_duration must be a positive whole number of seconds")
	case position < checkpoint || position%checkpoint != 0:
		errs = append(errs, "pool: position_duration must be a multiple of checkpoint_duration")
	}
	if !p.TimeStretchAPR.IsPositive() {
		errs = append(errs, "pool: time_stretch_apr must be positive")
	}
	one := decimal.NewFromInt(1)
	for name, fee := range map[string]decimal.Decimal{
		"curve_fee":      p.CurveFee,
		"flat_fee":       p.FlatFee,
		"governance_fee": p.GovernanceFee,
	} {
		if fee.IsNegative() || fee.GreaterThan(one) {
			errs = append(errs, fmt.Sprintf("pool: %s must be within [0, 1], got %s", name, fee))
		}
	}
	if p.MinimumShareReserves.IsNegative() {
		errs = append(errs, "pool: minimum_share_reserves must not be negative")
	}
	return errs
}

// PoolConfig builds the engine configuration of a new pool. A zero apr
// falls back to TimeStretchAPR when deriving the time stretch.
func (p PoolDefaults) PoolConfig(initialSharePrice, apr decimal.Decimal) (cfg model.PoolConfig, err error) {
	defer fixedpoint.Recover(&err)

	if apr.IsZero() {
		apr = p.TimeStretchAPR
	}
	values := make([]fixedpoint.FixedPoint, 6)
	for i, d := range []decimal.Decimal{initialSharePrice, apr, p.CurveFee, p.FlatFee, p.GovernanceFee, p.MinimumShareReserves} {
		if values[i], err = fixedpoint.FromDecimal(d); err != nil {
			return model.PoolConfig{}, err
		}
	}
	stretch, err := bondmath.TimeStretchFromAPR(values[1])
	if err != nil {
		return model.PoolConfig{}, err
	}
	return model.PoolConfig{
		InitialSharePrice:    values[0],
		PositionDuration:     uint64(p.PositionDuration.Duration / time.Second),
		CheckpointDuration:   uint64(p.CheckpointDuration.Duration / time.Second),
		TimeStretch:          stretch,
		CurveFee:             values[2],
		FlatFee:              values[3],
		GovernanceFee:        values[4],
		MinimumShareReserves: values[5],
	}, nil
}
