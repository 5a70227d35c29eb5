package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
smtp:
  port: 2525
  host: "0.0.0.0"
  hostname: "mx.example.com"
  max_recipients: 500

http:
  port: 9000
  max_in_flight: 2000

admin:
  port: 9001
  bearer_token: "test-token"

spool:
  type: "pg"
  postgres_dsn: "postgres://localhost/spool"

timer_wheel:
  tick_millis: 250
  tiers: 3

queue_defaults:
  strategy: "skip_list"
  retry_base_delay: 30
  retry_growth: 1.5

egress_defaults:
  max_connections: 16
  enable_tls: "required"
`
	err := os.WriteFile(configPath, []byte(configContent), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, "0.0.0.0", cfg.SMTP.Host)
	assert.Equal(t, "mx.example.com", cfg.SMTP.Hostname)
	assert.Equal(t, 500, cfg.SMTP.MaxRecipients)

	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, int64(2000), cfg.HTTP.MaxInFlight)

	assert.Equal(t, 9001, cfg.Admin.Port)
	assert.Equal(t, "test-token", cfg.Admin.BearerToken)

	assert.Equal(t, "pg", cfg.Spool.Type)
	assert.Equal(t, "postgres://localhost/spool", cfg.Spool.PostgresDSN)

	assert.Equal(t, 250*1000000, int(cfg.TimerWheel.Tick().Nanoseconds()))
	assert.Equal(t, 3, cfg.TimerWheel.Tiers)

	qc := cfg.Queue.ToPolicy()
	assert.Equal(t, 30.0, qc.RetryBaseDelay)
	assert.Equal(t, 1.5, qc.RetryGrowth)

	ec := cfg.Egress.ToPolicy()
	assert.Equal(t, 16, ec.MaxConnections)
}

func TestLoadDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("ses:\n  region: us-east-1\n"), 0644)
	require.NoError(t, err)

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 25, cfg.SMTP.Port)
	assert.Equal(t, "localhost", cfg.SMTP.Hostname)
	assert.Equal(t, 300, cfg.SMTP.ReadTimeoutSecs)
	assert.Equal(t, 1024, cfg.SMTP.MaxRecipients)
	assert.Equal(t, 8000, cfg.HTTP.Port)
	assert.Equal(t, int64(10000), cfg.HTTP.MaxInFlight)
	assert.Equal(t, 8001, cfg.Admin.Port)
	assert.Equal(t, "localfs", cfg.Spool.Type)
	assert.Equal(t, "/var/spool/kumogo", cfg.Spool.LocalPath)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 1000, cfg.TimerWheel.TickMillis)
	assert.Equal(t, 4, cfg.TimerWheel.Tiers)
	assert.Equal(t, 32, cfg.Egress.MaxConnections)
	assert.Equal(t, "us-east-1", cfg.SES.Region)
}

func TestLoadFromEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	err := os.WriteFile(configPath, []byte("ses:\n  access_key: file-key\n"), 0644)
	require.NoError(t, err)

	os.Setenv("AWS_SES_ACCESS_KEY", "env-key")
	os.Setenv("ADMIN_BEARER_TOKEN", "env-token")
	defer func() {
		os.Unsetenv("AWS_SES_ACCESS_KEY")
		os.Unsetenv("ADMIN_BEARER_TOKEN")
	}()

	cfg, err := LoadFromEnv(configPath)
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.SES.AccessKey)
	assert.Equal(t, "env-token", cfg.Admin.BearerToken)
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestSMTPReadTimeout(t *testing.T) {
	cfg := SMTPConfig{ReadTimeoutSecs: 45}
	assert.Equal(t, 45*1000000000, int(cfg.ReadTimeout().Nanoseconds()))
}

func TestTimerWheelTick(t *testing.T) {
	cfg := TimerWheelConfig{TickMillis: 500}
	assert.Equal(t, 500*1000000, int(cfg.Tick().Nanoseconds()))
}

func TestDefaultISPsFallsBackWhenUnset(t *testing.T) {
	cfg := SESConfig{}
	assert.Contains(t, cfg.DefaultISPs(), "Gmail")
}
