package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, "research.db", cfg.Database.Path)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 50, cfg.Scheduler.Concurrency)
	assert.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.RetryBaseDelay)
	assert.Equal(t, 10*time.Second, cfg.Scheduler.RetryMaxDelay)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.CallTimeout)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.ShutdownTimeout)
	assert.Equal(t, 10.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, "claude", cfg.Enrichment.Provider)
	assert.EqualValues(t, 1024, cfg.Enrichment.MaxTokens)
	assert.Equal(t, "@every 30s", cfg.OrphanMonitor.Schedule)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RESEARCH_SCHEDULER_CONCURRENCY", "7")
	t.Setenv("RESEARCH_SCHEDULER_RETRY_BASE_DELAY", "2s")
	t.Setenv("RESEARCH_ENRICHMENT_PROVIDER", "gemini")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Scheduler.Concurrency)
	assert.Equal(t, 2*time.Second, cfg.Scheduler.RetryBaseDelay)
	assert.Equal(t, "gemini", cfg.Enrichment.Provider)
}

func TestLoad_FileAndFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /tmp/from-file.db
scheduler:
  concurrency: 12
  max_attempts: 5
log:
  format: json
`), 0o600))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", path, "--concurrency", "4"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-file.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Scheduler.Concurrency, "flags win over the file")
	assert.Equal(t, 5, cfg.Scheduler.MaxAttempts)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml")}))

	_, err := Load(fs)
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]struct {
		key, value string
	}{
		"zero concurrency":   {"RESEARCH_SCHEDULER_CONCURRENCY", "0"},
		"unknown provider":   {"RESEARCH_ENRICHMENT_PROVIDER", "openai"},
		"bad log format":     {"RESEARCH_LOG_FORMAT", "xml"},
		"max below base":     {"RESEARCH_SCHEDULER_RETRY_MAX_DELAY", "1ms"},
		"port out of range":  {"RESEARCH_SERVER_PORT", "70000"},
		"zero shutdown time": {"RESEARCH_SCHEDULER_SHUTDOWN_TIMEOUT", "0s"},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load(nil)
			assert.Error(t, err)
		})
	}
}

func TestConfigureLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())
	defer log.SetFormatter(log.StandardLogger().Formatter)

	require.NoError(t, ConfigureLogging(LogConfig{Level: "debug", Format: "json"}))
	assert.Equal(t, log.DebugLevel, log.GetLevel())
	assert.IsType(t, &log.JSONFormatter{}, log.StandardLogger().Formatter)

	assert.Error(t, ConfigureLogging(LogConfig{Level: "loud", Format: "text"}))
}
