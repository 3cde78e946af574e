package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9090"
  environment: production
database:
  type: sqlite
  file_path: /tmp/test.db
billing:
  signup_grant_credits: 5
  consume_rpm: 120
  reset_interval: 30m
  plans:
    - name: Starter
      monthly_credits: 50
      price_cents: 2900
      stripe_price_id: price_starter
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, models.SQLite, cfg.Database.Type)
	assert.Equal(t, int64(5), cfg.Billing.SignupGrantCredits)
	assert.Equal(t, 30*time.Minute, cfg.Billing.ResetInterval.Std())
	require.Len(t, cfg.Billing.Plans, 1)
	assert.Equal(t, int64(50), cfg.Billing.Plans[0].MonthlyCredits)
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  type: sqlite
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "info", cfg.GetNormalizedLogLevel())
	assert.Equal(t, 1*time.Hour, cfg.Billing.ResetInterval.Std())
	assert.Equal(t, 5*time.Minute, cfg.Billing.RetrySweepInterval.Std())
	assert.Equal(t, 8, cfg.Billing.MaxWebhookAttempts)
	assert.Equal(t, 10*time.Minute, cfg.Reporting.ExportInterval.Std())
	assert.Equal(t, 1000, cfg.Reporting.BatchSize)
}

func TestLoadFromFileEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_CM_PORT", "7070")
	os.Unsetenv("TEST_CM_MISSING")

	path := writeConfig(t, `
server:
  port: "${TEST_CM_PORT}"
  log_level: "${TEST_CM_MISSING:-debug}"
database:
  type: sqlite
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.GetNormalizedLogLevel())
}

func TestLoadFromFileRejectsBadPaths(t *testing.T) {
	_, err := LoadFromFile("../../etc/passwd.yaml")
	assert.Error(t, err)

	_, err = LoadFromFile("config.json")
	assert.Error(t, err)

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := &Config{
		Database: models.DatabaseConfig{Type: models.SQLite, FilePath: "/tmp/x.db"},
	}
	assert.NoError(t, valid.Validate())

	missingType := &Config{}
	assert.Error(t, missingType.Validate())

	badType := &Config{Database: models.DatabaseConfig{Type: "oracle"}}
	assert.Error(t, badType.Validate())

	missingWebhookSecret := &Config{
		Database: models.DatabaseConfig{Type: models.SQLite},
		Billing: models.BillingConfig{
			Stripe: models.StripeConfig{SecretKey: "sk_test_123"},
		},
	}
	assert.Error(t, missingWebhookSecret.Validate())

	badPlan := &Config{
		Database: models.DatabaseConfig{Type: models.SQLite},
		Billing: models.BillingConfig{
			Plans: []models.PlanSeed{{Name: "NoPrice", MonthlyCredits: 50}},
		},
	}
	assert.Error(t, badPlan.Validate())

	badReporting := &Config{
		Database: models.DatabaseConfig{Type: models.SQLite},
		Reporting: models.ReportingConfig{
			Enabled:  true,
			Database: models.DatabaseConfig{Type: models.PostgreSQL},
		},
	}
	assert.Error(t, badReporting.Validate())
}

func TestGetNormalizedLogLevel(t *testing.T) {
	cfg := &Config{Server: models.ServerConfig{LogLevel: "  DEBUG "}}
	assert.Equal(t, "debug", cfg.GetNormalizedLogLevel())
}
