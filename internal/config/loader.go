package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) on top of
// the built-in defaults and applies BOND_* environment variable overrides.
// The returned Config has NOT been validated; the caller should invoke
// Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known BOND_* environment variables and
// overwrites the corresponding Config fields when a variable is set.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setInt(&cfg.Server.Port, "BOND_SERVER_PORT")
	setInt(&cfg.Server.Port, "PORT") // platform alias
	setDuration(&cfg.Server.ReadTimeout, "BOND_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "BOND_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "BOND_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "BOND_SERVER_CORS_ORIGINS")

	// ── Database ──
	setStr(&cfg.Database.URL, "BOND_DATABASE_URL")
	setStr(&cfg.Database.URL, "DATABASE_URL") // compatibility alias
	setBool(&cfg.Database.RunMigrations, "BOND_DATABASE_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.URL, "BOND_REDIS_URL")
	setStr(&cfg.Redis.URL, "REDIS_URL") // compatibility alias
	setDuration(&cfg.Redis.CacheTTL, "BOND_REDIS_CACHE_TTL")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "BOND_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "BOND_NATS_URL")
	setStr(&cfg.NATS.Stream, "BOND_NATS_STREAM")
	setStr(&cfg.NATS.SubjectPrefix, "BOND_NATS_SUBJECT_PREFIX")
	setInt(&cfg.NATS.Buffer, "BOND_NATS_BUFFER")

	// ── Pool defaults ──
	setDuration(&cfg.Pool.CheckpointDuration, "BOND_POOL_CHECKPOINT_DURATION")
	setDuration(&cfg.Pool.PositionDuration, "BOND_POOL_POSITION_DURATION")
	setDecimal(&cfg.Pool.TimeStretchAPR, "BOND_POOL_TIME_STRETCH_APR")
	setDecimal(&cfg.Pool.CurveFee, "BOND_POOL_CURVE_FEE")
	setDecimal(&cfg.Pool.FlatFee, "BOND_POOL_FLAT_FEE")
	setDecimal(&cfg.Pool.GovernanceFee, "BOND_POOL_GOVERNANCE_FEE")
	setDecimal(&cfg.Pool.MinimumShareReserves, "BOND_POOL_MINIMUM_SHARE_RESERVES")

	// ── Yield source ──
	setDecimal(&cfg.YieldSource.InitialSharePrice, "BOND_YIELD_SOURCE_INITIAL_SHARE_PRICE")
	setDecimal(&cfg.YieldSource.Rate, "BOND_YIELD_SOURCE_RATE")

	// ── Exposure ──
	setDecimal(&cfg.Exposure.MaxPerMaturity, "BOND_EXPOSURE_MAX_PER_MATURITY")
	setDecimal(&cfg.Exposure.MaxCorrelated, "BOND_EXPOSURE_MAX_CORRELATED")
	setDuration(&cfg.Exposure.Window, "BOND_EXPOSURE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.LogLevel, "BOND_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present, non-empty and parses.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
