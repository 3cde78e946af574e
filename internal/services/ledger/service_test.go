package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/grantscope/creditmeter/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every in-memory session on the same database
	// and serializes concurrent transactions the way a row lock would.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	svc := NewService(db)
	require.NoError(t, svc.AutoMigrate())
	return svc
}

func grant(t *testing.T, svc *Service, accountID string, amount int64) {
	t.Helper()
	_, err := svc.ApplyDelta(context.Background(), models.ApplyDeltaParams{
		AccountID: accountID,
		Amount:    amount,
		Type:      models.TransactionPromotional,
	})
	require.NoError(t, err)
}

func TestApplyDeltaSequentialConsume(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 5)

	for i, want := range []int64{4, 3, 2, 1, 0} {
		entry, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
			AccountID:   "acct-1",
			Amount:      -1,
			Type:        models.TransactionSearchUsed,
			ReferenceID: "search-1",
		})
		require.NoError(t, err, "consume %d", i+1)
		assert.Equal(t, want, entry.BalanceAfter)
		assert.Equal(t, int64(-1), entry.Amount)
	}

	_, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
		AccountID: "acct-1",
		Amount:    -1,
		Type:      models.TransactionSearchUsed,
	})
	require.Error(t, err)
	assert.True(t, models.IsErrorType(err, models.ErrorTypeInsufficientCredit))

	// The rejected debit must leave no trace.
	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
	assert.Equal(t, int64(5), balance.MonthlyCreditsUsed)

	entries, err := svc.Entries(ctx, "acct-1", time.Time{}, time.Time{}, 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 6) // 1 grant + 5 consumes
}

func TestApplyDeltaValidation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{Amount: 1, Type: models.TransactionPromotional})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeValidation))

	_, err = svc.ApplyDelta(ctx, models.ApplyDeltaParams{AccountID: "acct-1", Amount: 0})
	assert.True(t, models.IsErrorType(err, models.ErrorTypeValidation))
}

func TestApplyDeltaDebitUnknownAccount(t *testing.T) {
	svc := newTestService(t)

	_, err := svc.ApplyDelta(context.Background(), models.ApplyDeltaParams{
		AccountID: "nobody",
		Amount:    -1,
		Type:      models.TransactionSearchUsed,
	})
	require.Error(t, err)
	assert.True(t, models.IsErrorType(err, models.ErrorTypeUnknownAccount))
}

func TestApplyDeltaCreditCreatesAccount(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	entry, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
		AccountID: "fresh",
		Amount:    10,
		Type:      models.TransactionPackagePurchased,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(10), entry.BalanceAfter)

	balance, err := svc.GetBalance(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.TotalCredits)
	assert.NotNil(t, balance.LastCreditedAt)
}

func TestApplyDeltaAllowNegative(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 3)

	entry, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
		AccountID:     "acct-1",
		Amount:        -10,
		Type:          models.TransactionRefund,
		AllowNegative: true,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(-7), entry.BalanceAfter)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-7), balance.TotalCredits)
}

func TestApplyDeltaConcurrentConsumersSingleCredit(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 1)

	const workers = 8
	results := make(chan error, workers)
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
				AccountID: "acct-1",
				Amount:    -1,
				Type:      models.TransactionSearchUsed,
			})
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, models.IsErrorType(err, models.ErrorTypeInsufficientCredit), "unexpected error: %v", err)
		rejected++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, rejected)

	balance, err := svc.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)
}

func TestEnsureAccountGrantsSignupCreditOnce(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	balance, err := svc.EnsureAccount(ctx, "acct-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.TotalCredits)

	// Second touch must not grant again.
	balance, err = svc.EnsureAccount(ctx, "acct-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.TotalCredits)

	entries, err := svc.Entries(ctx, "acct-1", time.Time{}, time.Time{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.TransactionPromotional, entries[0].Type)
}

func TestEnsureAccountGrantFailureLeavesNoRow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// Force the ledger write to fail so the whole first touch rolls back.
	require.NoError(t, svc.db.Migrator().DropTable(&models.LedgerEntry{}))

	_, err := svc.EnsureAccount(ctx, "acct-1", 5)
	require.Error(t, err)

	// No half-created account: a 0-credit row here would make every later
	// touch take the found path and lose the grant for good.
	var count int64
	require.NoError(t, svc.db.Model(&models.AccountBalance{}).
		Where("account_id = ?", "acct-1").Count(&count).Error)
	assert.Equal(t, int64(0), count)

	require.NoError(t, svc.db.AutoMigrate(&models.LedgerEntry{}))

	balance, err := svc.EnsureAccount(ctx, "acct-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance.TotalCredits)
}

func TestEnsureAccountZeroGrant(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	balance, err := svc.EnsureAccount(ctx, "acct-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.TotalCredits)

	entries, err := svc.Entries(ctx, "acct-1", time.Time{}, time.Time{}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestEntriesByReference(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	grant(t, svc, "acct-1", 10)
	_, err := svc.ApplyDelta(ctx, models.ApplyDeltaParams{
		AccountID:     "acct-1",
		Amount:        -1,
		Type:          models.TransactionSearchUsed,
		ReferenceType: "search",
		ReferenceID:   "job-42",
	})
	require.NoError(t, err)

	entries, err := svc.EntriesByReference(ctx, "job-42")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "acct-1", entries[0].AccountID)
	assert.Equal(t, int64(-1), entries[0].Amount)
}
