package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polyguard.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
mode = "exit"
store = "memory"

[exit]
concurrency = 4
fee_rate = 0.02
retry_interval = "45s"

[stop_loss]
check_interval = "2s"

[breaker]
recovery_stages = [0.25, 0.5, 1.0]
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "exit", cfg.Mode)
	assert.Equal(t, "memory", cfg.Store)
	assert.Equal(t, 4, cfg.Exit.Concurrency)
	assert.InDelta(t, 0.02, cfg.Exit.FeeRate, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.Exit.RetryInterval.Duration)
	assert.Equal(t, 5*time.Second, cfg.Exit.ExitReadyInterval.Duration, "untouched keys keep defaults")
	assert.Equal(t, 2*time.Second, cfg.StopLoss.CheckInterval.Duration)
	assert.Equal(t, []float64{0.25, 0.5, 1.0}, cfg.Breaker.RecoveryStages)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[exit]\nconcurency = 4\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exit.concurency")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLYGUARD_MODE", "stoploss")
	t.Setenv("POLYGUARD_EXIT_MAX_RETRIES", "7")
	t.Setenv("POLYGUARD_STOP_LOSS_CHECK_INTERVAL", "250ms")
	t.Setenv("POLYGUARD_BREAKER_ENABLED", "false")
	t.Setenv("POLYGUARD_NOTIFY_EVENTS", "exit_failed, ,one_legged")
	t.Setenv("POLYGUARD_EXIT_CONCURRENCY", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "stoploss", cfg.Mode)
	assert.Equal(t, 7, cfg.Exit.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.StopLoss.CheckInterval.Duration)
	assert.False(t, cfg.Breaker.Enabled)
	assert.Equal(t, []string{"exit_failed", "one_legged"}, cfg.Notify.Events)
	assert.Equal(t, 8, cfg.Exit.Concurrency, "unparsable values are ignored")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.Store = "sqlite"
	cfg.Reservations = "redis"
	cfg.Exit.Concurrency = 0
	cfg.Exit.FeeRate = 1.5
	cfg.Breaker.RecoveryStages = []float64{0}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown store "sqlite"`,
		"redis: addr must be set",
		"exit: concurrency",
		"exit: fee_rate",
		"breaker: recovery stage",
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Notify.TelegramToken = "bot-token"

	out := RedactedConfig(&cfg)
	assert.Equal(t, redacted, out.Postgres.Password)
	assert.Equal(t, redacted, out.Notify.TelegramToken)
	assert.Empty(t, out.Notify.DiscordWebhookURL, "empty secrets stay empty")
	assert.Equal(t, "hunter2", cfg.Postgres.Password)

	out.Notify.Events[0] = "changed"
	assert.Equal(t, "exit_failed", cfg.Notify.Events[0])
}

func TestValidateRecoveryNeedsAdvanceCriterion(t *testing.T) {
	cfg := Defaults()
	cfg.Breaker.RecoveryStages = []float64{0.25, 0.5}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery_stages needs min_trades_per_stage or stage_duration")

	cfg.Breaker.MinTradesPerStage = 3
	require.NoError(t, cfg.Validate())

	cfg.Breaker.MinTradesPerStage = 0
	cfg.Breaker.StageDuration = duration{time.Hour}
	require.NoError(t, cfg.Validate())
}

func TestValidateBreakerInitialValue(t *testing.T) {
	cfg := Defaults()
	cfg.Breaker.InitialValue = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "breaker: initial_value must be >= 0")

	cfg.Breaker.InitialValue = 0
	require.NoError(t, cfg.Validate(), "zero leaves drawdown off until a portfolio value is known")
}

func TestValidateAllowsZeroRetries(t *testing.T) {
	cfg := Defaults()
	cfg.Exit.MaxRetries = 0
	require.NoError(t, cfg.Validate())
}
