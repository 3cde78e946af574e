package models

// BillingConfig configures the payment gateway, catalog seed data, and the
// background loops that feed the ledger.
type BillingConfig struct {
	Stripe StripeConfig `yaml:"stripe" json:"stripe"`

	// Plans and Packages seed the catalog at boot, upserted by price id.
	Plans    []PlanSeed    `yaml:"plans" json:"plans"`
	Packages []PackageSeed `yaml:"packages" json:"packages"`

	// SignupGrantCredits is applied once, as a promotional ledger entry,
	// when an account balance row is first created. Zero disables it.
	SignupGrantCredits int64 `yaml:"signup_grant_credits" json:"signup_grant_credits"`

	// AllowRefundWriteOff permits a refund debit to drive the balance
	// negative. When false a refund exceeding the balance is parked for
	// manual review.
	AllowRefundWriteOff bool `yaml:"allow_refund_write_off" json:"allow_refund_write_off"`

	// ConsumeRPM caps per-account consume calls per minute. Zero disables.
	ConsumeRPM int `yaml:"consume_rpm" json:"consume_rpm"`

	ResetInterval      Duration `yaml:"reset_interval" json:"reset_interval"`
	RetrySweepInterval Duration `yaml:"retry_sweep_interval" json:"retry_sweep_interval"`
	MaxWebhookAttempts int      `yaml:"max_webhook_attempts" json:"max_webhook_attempts"`
	RedisURL           string   `yaml:"redis_url" json:"redis_url,omitzero"`
	SuccessURL         string   `yaml:"success_url" json:"success_url"`
	CancelURL          string   `yaml:"cancel_url" json:"cancel_url"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secret_key" json:"-"`
	WebhookSecret string `yaml:"webhook_secret" json:"-"`
}

type PlanSeed struct {
	Name           string `yaml:"name" json:"name"`
	MonthlyCredits int64  `yaml:"monthly_credits" json:"monthly_credits"`
	PriceCents     int64  `yaml:"price_cents" json:"price_cents"`
	StripePriceID  string `yaml:"stripe_price_id" json:"stripe_price_id"`
}

type PackageSeed struct {
	Name          string `yaml:"name" json:"name"`
	Credits       int64  `yaml:"credits" json:"credits"`
	PriceCents    int64  `yaml:"price_cents" json:"price_cents"`
	StripePriceID string `yaml:"stripe_price_id" json:"stripe_price_id"`
}

// ReportingConfig points the optional ledger analytics export at a
// ClickHouse instance.
type ReportingConfig struct {
	Enabled        bool           `yaml:"enabled" json:"enabled"`
	Database       DatabaseConfig `yaml:"database" json:"database"`
	ExportInterval Duration       `yaml:"export_interval" json:"export_interval"`
	BatchSize      int            `yaml:"batch_size" json:"batch_size"`
}
