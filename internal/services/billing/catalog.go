package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/grantscope/creditmeter/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Catalog serves the plan and package reference data. Rows are seeded from
// config at boot and treated as immutable at runtime.
type Catalog struct {
	db *gorm.DB
}

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db}
}

// WithTx returns a Catalog bound to tx. Lookups made inside a caller's
// transaction must run on its connection; a lookup on the pool handle would
// wait for a second connection while the transaction holds one, which
// deadlocks once the pool is exhausted.
func (c *Catalog) WithTx(tx *gorm.DB) *Catalog {
	return &Catalog{db: tx}
}

// AutoMigrate runs database migrations for the catalog tables
func (c *Catalog) AutoMigrate() error {
	return c.db.AutoMigrate(
		&models.Plan{},
		&models.CreditPackage{},
	)
}

// Seed upserts the configured plans and packages, keyed by Stripe price id.
// Re-running it is a no-op for unchanged config.
func (c *Catalog) Seed(ctx context.Context, plans []models.PlanSeed, packages []models.PackageSeed) error {
	for _, p := range plans {
		plan := models.Plan{
			Name:           p.Name,
			MonthlyCredits: p.MonthlyCredits,
			PriceCents:     p.PriceCents,
			StripePriceID:  p.StripePriceID,
			Active:         true,
		}
		err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_price_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "monthly_credits", "price_cents", "active"}),
		}).Create(&plan).Error
		if err != nil {
			return fmt.Errorf("failed to seed plan %s: %w", p.Name, err)
		}
	}

	for _, p := range packages {
		pkg := models.CreditPackage{
			Name:          p.Name,
			Credits:       p.Credits,
			PriceCents:    p.PriceCents,
			StripePriceID: p.StripePriceID,
			Active:        true,
		}
		err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "stripe_price_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"name", "credits", "price_cents", "active"}),
		}).Create(&pkg).Error
		if err != nil {
			return fmt.Errorf("failed to seed package %s: %w", p.Name, err)
		}
	}

	return nil
}

// Plans returns all active plans.
func (c *Catalog) Plans(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	if err := c.db.WithContext(ctx).Where("active = ?", true).Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("failed to get plans: %w", err)
	}
	return plans, nil
}

// Packages returns all active credit packages.
func (c *Catalog) Packages(ctx context.Context) ([]models.CreditPackage, error) {
	var packages []models.CreditPackage
	if err := c.db.WithContext(ctx).Where("active = ?", true).Find(&packages).Error; err != nil {
		return nil, fmt.Errorf("failed to get credit packages: %w", err)
	}
	return packages, nil
}

// PlanByPriceID resolves a plan from a Stripe price id.
func (c *Catalog) PlanByPriceID(ctx context.Context, priceID string) (*models.Plan, error) {
	var plan models.Plan
	err := c.db.WithContext(ctx).Where("stripe_price_id = ?", priceID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewValidationError(fmt.Sprintf("no plan for price %s", priceID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// PlanByID resolves a plan by primary key.
func (c *Catalog) PlanByID(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	err := c.db.WithContext(ctx).First(&plan, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewValidationError(fmt.Sprintf("no plan with id %d", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return &plan, nil
}

// PackageByPriceID resolves a credit package from a Stripe price id.
func (c *Catalog) PackageByPriceID(ctx context.Context, priceID string) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	err := c.db.WithContext(ctx).Where("stripe_price_id = ?", priceID).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewValidationError(fmt.Sprintf("no package for price %s", priceID), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit package: %w", err)
	}
	return &pkg, nil
}

// PackageByPriceCents resolves a credit package from a charge total. Used to
// map refunds back to the package they undo.
func (c *Catalog) PackageByPriceCents(ctx context.Context, priceCents int64) (*models.CreditPackage, error) {
	var pkg models.CreditPackage
	err := c.db.WithContext(ctx).Where("price_cents = ?", priceCents).First(&pkg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewValidationError(fmt.Sprintf("no package priced at %d cents", priceCents), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credit package: %w", err)
	}
	return &pkg, nil
}
