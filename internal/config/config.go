package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Server    models.ServerConfig    `yaml:"server"`
	Database  models.DatabaseConfig  `yaml:"database"`
	Billing   models.BillingConfig   `yaml:"billing"`
	Reporting models.ReportingConfig `yaml:"reporting"`
}

// LoadFromFile loads configuration from a YAML file with environment variable substitution
func LoadFromFile(configPath string) (*Config, error) {
	// Validate and clean the file path to prevent directory traversal
	cleanPath := filepath.Clean(configPath)

	if strings.Contains(cleanPath, "..") {
		return nil, fmt.Errorf("invalid config path: path traversal not allowed")
	}

	ext := filepath.Ext(cleanPath)
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("invalid config file: only .yaml and .yml files are allowed")
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 - path is validated above
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	content := substituteEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(content), &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// New creates a new Config instance by loading from the specified config file path
func New(configPath string) (*Config, error) {
	return LoadFromFile(configPath)
}

// LoadEnvFiles loads environment variables from .env files in order of precedence
// Loads files in the order provided (first has highest priority)
func LoadEnvFiles(envFiles []string) {
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err == nil {
			if err := godotenv.Load(envFile); err == nil {
				fmt.Printf("Loaded environment variables from %s\n", envFile)
			}
		}
	}
}

// substituteEnvVars replaces ${VAR_NAME} and ${VAR_NAME:-default} patterns with environment variables
func substituteEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}:]+)(?::(-[^}]*))?\}`)

	return re.ReplaceAllStringFunc(content, func(match string) string {
		submatches := re.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		defaultValue := ""

		if len(submatches) > 2 && submatches[2] != "" {
			defaultValue = strings.TrimPrefix(submatches[2], "-")
		}

		if value := os.Getenv(varName); value != "" {
			return value
		}

		return defaultValue
	})
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Billing.ResetInterval == 0 {
		c.Billing.ResetInterval = models.Duration(1 * time.Hour)
	}
	if c.Billing.RetrySweepInterval == 0 {
		c.Billing.RetrySweepInterval = models.Duration(5 * time.Minute)
	}
	if c.Billing.MaxWebhookAttempts == 0 {
		c.Billing.MaxWebhookAttempts = 8
	}
	if c.Reporting.ExportInterval == 0 {
		c.Reporting.ExportInterval = models.Duration(10 * time.Minute)
	}
	if c.Reporting.BatchSize == 0 {
		c.Reporting.BatchSize = 1000
	}
}

// Validate checks that the configuration is coherent enough to boot.
func (c *Config) Validate() error {
	if c.Database.Type == "" {
		return fmt.Errorf("database.type is required")
	}
	switch c.Database.Type {
	case models.PostgreSQL, models.MySQL, models.SQLite, models.ClickHouse:
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Billing.Stripe.SecretKey != "" && c.Billing.Stripe.WebhookSecret == "" {
		return fmt.Errorf("billing.stripe.webhook_secret is required when a secret key is set")
	}

	for i, p := range c.Billing.Plans {
		if p.StripePriceID == "" || p.MonthlyCredits <= 0 {
			return fmt.Errorf("billing.plans[%d]: stripe_price_id and a positive monthly_credits are required", i)
		}
	}
	for i, p := range c.Billing.Packages {
		if p.StripePriceID == "" || p.Credits <= 0 {
			return fmt.Errorf("billing.packages[%d]: stripe_price_id and a positive credits are required", i)
		}
	}

	if c.Reporting.Enabled && c.Reporting.Database.Type != models.ClickHouse {
		return fmt.Errorf("reporting.database.type must be clickhouse when reporting is enabled")
	}

	return nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}

// GetNormalizedLogLevel returns the configured log level lowercased.
func (c *Config) GetNormalizedLogLevel() string {
	return strings.ToLower(strings.TrimSpace(c.Server.LogLevel))
}
