package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/atmx/bond-engine/internal/fixedpoint"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bond.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level = "debug"

[server]
port = 9090
write_timeout = "20s"

[pool]
checkpoint_duration = "1h"
position_duration = "720h"
curve_fee = "0.05"
flat_fee = 0.001

[exposure]
window = "48h"
`), 0o600))

	t.Setenv("BOND_POOL_GOVERNANCE_FEE", "0.2")
	t.Setenv("BOND_NATS_ENABLED", "true")
	t.Setenv("BOND_SERVER_CORS_ORIGINS", "https://a.example, ,https://b.example")
	t.Setenv("BOND_EXPOSURE_MAX_CORRELATED", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 20*time.Second, cfg.Server.WriteTimeout.Duration)
	require.Equal(t, 10*time.Second, cfg.Server.ReadTimeout.Duration)
	require.Equal(t, time.Hour, cfg.Pool.CheckpointDuration.Duration)
	require.True(t, cfg.Pool.CurveFee.Equal(decimal.RequireFromString("0.05")))
	require.True(t, cfg.Pool.FlatFee.Equal(decimal.RequireFromString("0.001")))
	require.True(t, cfg.Pool.GovernanceFee.Equal(decimal.RequireFromString("0.2")))
	require.True(t, cfg.NATS.Enabled)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.Equal(t, 48*time.Hour, cfg.Exposure.Window.Duration)
	// Unparseable overrides leave the default in place.
	require.True(t, cfg.Exposure.MaxCorrelated.Equal(decimal.NewFromInt(5_000_000)))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Server.Port = 0
	cfg.Pool.CheckpointDuration = duration{7 * time.Hour}
	cfg.Pool.FlatFee = decimal.RequireFromString("1.5")
	cfg.Exposure.MaxCorrelated = decimal.NewFromInt(1)
	cfg.Redis.URL = "redis://localhost:6379"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"log_level", "port", "position_duration", "flat_fee", "max_correlated", "database.url"} {
		require.True(t, strings.Contains(err.Error(), want), "missing %q in %v", want, err)
	}
}

func TestPoolConfig(t *testing.T) {
	defaults := Defaults().Pool

	cfg, err := defaults.PoolConfig(decimal.NewFromInt(1), decimal.Zero)
	require.NoError(t, err)
	require.Equal(t, uint64(86400), cfg.CheckpointDuration)
	require.Equal(t, uint64(365*86400), cfg.PositionDuration)
	require.Equal(t, fixedpoint.MustParse("0.044463125629060298"), cfg.TimeStretch)
	require.Equal(t, fixedpoint.MustParse("0.1"), cfg.CurveFee)
	require.Equal(t, fixedpoint.MustParse("10"), cfg.MinimumShareReserves)

	_, err = defaults.PoolConfig(decimal.NewFromInt(-1), decimal.Zero)
	require.ErrorIs(t, err, fixedpoint.ErrInvalidNumber)
}

func TestSlogLevel(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "WARN"
	require.Equal(t, "WARN", cfg.SlogLevel().String())
}
