package billing

import (
	"context"
	"testing"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	c := NewCatalog(db)
	require.NoError(t, c.AutoMigrate())
	return c
}

func TestCatalogSeedIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	plans := []models.PlanSeed{
		{Name: "Starter", MonthlyCredits: 50, PriceCents: 2900, StripePriceID: "price_starter"},
	}
	packages := []models.PackageSeed{
		{Name: "Top-up", Credits: 25, PriceCents: 1500, StripePriceID: "price_topup"},
	}

	require.NoError(t, c.Seed(ctx, plans, packages))
	require.NoError(t, c.Seed(ctx, plans, packages))

	got, err := c.Plans(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	pkgs, err := c.Packages(ctx)
	require.NoError(t, err)
	assert.Len(t, pkgs, 1)
}

func TestCatalogSeedUpdatesChangedRows(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Seed(ctx, []models.PlanSeed{
		{Name: "Starter", MonthlyCredits: 50, PriceCents: 2900, StripePriceID: "price_starter"},
	}, nil))
	require.NoError(t, c.Seed(ctx, []models.PlanSeed{
		{Name: "Starter", MonthlyCredits: 75, PriceCents: 3900, StripePriceID: "price_starter"},
	}, nil))

	plan, err := c.PlanByPriceID(ctx, "price_starter")
	require.NoError(t, err)
	assert.Equal(t, int64(75), plan.MonthlyCredits)
	assert.Equal(t, int64(3900), plan.PriceCents)
}

func TestCatalogLookups(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	require.NoError(t, c.Seed(ctx,
		[]models.PlanSeed{{Name: "Growth", MonthlyCredits: 200, PriceCents: 9900, StripePriceID: "price_growth"}},
		[]models.PackageSeed{{Name: "Top-up", Credits: 25, PriceCents: 1500, StripePriceID: "price_topup"}},
	))

	plan, err := c.PlanByPriceID(ctx, "price_growth")
	require.NoError(t, err)

	byID, err := c.PlanByID(ctx, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, plan.Name, byID.Name)

	pkg, err := c.PackageByPriceCents(ctx, 1500)
	require.NoError(t, err)
	assert.Equal(t, int64(25), pkg.Credits)

	_, err = c.PlanByPriceID(ctx, "price_missing")
	assert.True(t, models.IsErrorType(err, models.ErrorTypeValidation))

	_, err = c.PackageByPriceCents(ctx, 1)
	assert.True(t, models.IsErrorType(err, models.ErrorTypeValidation))
}
