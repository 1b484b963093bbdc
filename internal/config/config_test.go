package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"origin_zip", "dest_zip", "pickup_dt", "equipment", "weight_lb"}, cfg.Intake.RequiredFields)
	assert.Equal(t, 3, cfg.Intake.MaxFollowUps)
	assert.Equal(t, "LD", cfg.Intake.LoadNumberPrefix)
	assert.Equal(t, 3, cfg.Intake.ExtractRetry.MaxAttempts)
	assert.InDelta(t, 2.0, cfg.Intake.ExtractRetry.Multiplier, 0.001)
	assert.Equal(t, 80000, cfg.Complexity.MaxLegalWeightLb)
	assert.Equal(t, 10000, cfg.Complexity.LTLMaxWeightLb)
	assert.Equal(t, 10, cfg.Complexity.LTLMinPieces)
	assert.Equal(t, 2, cfg.Complexity.MaxDistinctZips)
	assert.Equal(t, 3, cfg.Scorer.GeneralistMinTypes)
	assert.Equal(t, 5, cfg.Dispatch.Workers)
	assert.Equal(t, "*/5 * * * *", cfg.Dispatch.RetrySweepCron)
	assert.True(t, cfg.Dispatch.AutoStart)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.StaleIncompleteHours)
	assert.Equal(t, "log", cfg.Delivery.Mode)
	assert.Equal(t, "loadblast-dispatch", cfg.Temporal.TaskQueue)
	assert.Equal(t, DefaultTiers(), cfg.Dispatch.Tiers)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
  format: console
intake:
  max_follow_ups: 5
dispatch:
  workers: 2
  tiers:
    - min_score: 70
      max_carriers: 3
      delay_minutes: 0
    - min_score: 0
      max_carriers: 5
      delay_minutes: 10
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Intake.MaxFollowUps)
	assert.Equal(t, 2, cfg.Dispatch.Workers)
	require.Len(t, cfg.Dispatch.Tiers, 2)
	assert.Equal(t, TierConfig{MinScore: 70, MaxCarriers: 3}, cfg.Dispatch.Tiers[0])
	assert.Equal(t, 10, cfg.Dispatch.Tiers[1].DelayMinutes)
	// Defaults still apply for unset values
	assert.Equal(t, 8080, cfg.Server.Port)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LOADBLAST_STORE_DRIVER", "postgres")
	t.Setenv("LOADBLAST_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("LOADBLAST_SERVER_PORT", "3000")
	t.Setenv("LOADBLAST_INTAKE_MAX_FOLLOW_UPS", "1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 1, cfg.Intake.MaxFollowUps)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Server.Port = 8080
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Intake.MaxFollowUps = 3
	cfg.Intake.ExtractRetry.MaxAttempts = 3
	cfg.Dispatch.Workers = 5
	cfg.Dispatch.Tiers = DefaultTiers()
	cfg.Delivery.Mode = "log"
	return cfg
}

func TestValidate_AllPresent(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"serve", "worker", "qualify", "dispatch", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_PostgresNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "postgres"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")

	cfg.Store.DatabaseURL = "postgres://localhost/loadblast"
	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidate_UnknownDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
}

func TestValidate_UnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_ServeRequiresPortAndKey(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	cfg.Anthropic.Key = ""

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
	assert.Contains(t, err.Error(), "anthropic.key is required")

	// dispatch mode does not extract
	assert.NoError(t, cfg.Validate("dispatch"))
}

func TestValidate_WorkerBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Dispatch.Workers = 0
	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.workers must be between 1 and 50")

	cfg.Dispatch.Workers = 51
	assert.Error(t, cfg.Validate("worker"))

	cfg.Dispatch.Workers = 50
	assert.NoError(t, cfg.Validate("worker"))
}

func TestValidate_TierOrdering(t *testing.T) {
	cfg := validDefaults()
	cfg.Dispatch.Tiers = []TierConfig{
		{MinScore: 40, MaxCarriers: 5},
		{MinScore: 60, MaxCarriers: 5},
	}

	err := cfg.Validate("dispatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dispatch.tiers[1].min_score must be descending")

	cfg.Dispatch.Tiers = []TierConfig{{MinScore: 0, MaxCarriers: 0, DelayMinutes: -1}}
	err = cfg.Validate("dispatch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_carriers must be >= 1")
	assert.Contains(t, err.Error(), "delay_minutes must be >= 0")
}

func TestValidate_WebhookNeedsURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Delivery.Mode = "webhook"

	err := cfg.Validate("worker")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delivery.webhook_url is required")

	cfg.Delivery.WebhookURL = "https://gateway.example.com/send"
	assert.NoError(t, cfg.Validate("worker"))

	cfg.Delivery.Mode = "carrier-pigeon"
	assert.Error(t, cfg.Validate("worker"))
}
