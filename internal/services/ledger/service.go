package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grantscope/creditmeter/internal/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service is the single choke point for balance mutations. Every credit
// grant, consumption, and refund goes through ApplyDelta; no other component
// writes AccountBalance or LedgerEntry rows.
type Service struct {
	db *gorm.DB
}

func NewService(db *gorm.DB) *Service {
	return &Service{db: db}
}

// AutoMigrate runs database migrations for the ledger tables
func (s *Service) AutoMigrate() error {
	return s.db.AutoMigrate(
		&models.AccountBalance{},
		&models.LedgerEntry{},
	)
}

// ApplyDelta atomically applies one signed balance change: it locks the
// account's balance row, floor-checks debits, appends a ledger entry with
// the post-change balance, and updates the cached balance, all in one
// transaction. Ledger entries for an account are totally ordered by this
// row lock.
func (s *Service) ApplyDelta(ctx context.Context, params models.ApplyDeltaParams) (*models.LedgerEntry, error) {
	if params.AccountID == "" {
		return nil, models.NewValidationError("account_id is required", nil)
	}
	if params.Amount == 0 {
		return nil, models.NewValidationError("amount must be non-zero", nil)
	}

	var entry *models.LedgerEntry

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		entry, err = s.ApplyDeltaIn(tx, params)
		return err
	})
	if err != nil {
		return nil, s.mapTxError(ctx, params.AccountID, err)
	}

	return entry, nil
}

// ApplyDeltaIn applies a delta inside an existing transaction. Callers that
// must commit the ledger write together with their own rows (the webhook
// gateway's processed flag, the scheduler's reset-date advance) use this
// form; tx must be a running transaction.
func (s *Service) ApplyDeltaIn(tx *gorm.DB, params models.ApplyDeltaParams) (*models.LedgerEntry, error) {
	balance, err := s.lockBalance(tx, params.AccountID, params.Amount > 0)
	if err != nil {
		return nil, err
	}

	newBalance := balance.TotalCredits + params.Amount
	if newBalance < 0 && !params.AllowNegative {
		return nil, models.NewInsufficientCreditError(params.AccountID, balance.TotalCredits, -params.Amount)
	}

	updates := map[string]any{
		"total_credits": newBalance,
	}
	now := time.Now().UTC()
	switch {
	case params.Type == models.TransactionSearchUsed:
		updates["monthly_credits_used"] = balance.MonthlyCreditsUsed - params.Amount
	case params.Amount > 0:
		updates["last_credited_at"] = &now
	}

	if err := tx.Model(balance).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to update account balance: %w", err)
	}

	entry := models.LedgerEntry{
		ID:            uuid.New().String(),
		AccountID:     params.AccountID,
		Type:          params.Type,
		Amount:        params.Amount,
		BalanceAfter:  newBalance,
		ReferenceType: params.ReferenceType,
		ReferenceID:   params.ReferenceID,
		Description:   params.Description,
	}

	if err := tx.Create(&entry).Error; err != nil {
		return nil, fmt.Errorf("failed to create ledger entry: %w", err)
	}

	return &entry, nil
}

// lockBalance reads the balance row FOR UPDATE, creating it for credit
// deltas on first touch. Debits against an account with no balance row are
// an unknown-account error, not a zero-balance rejection.
func (s *Service) lockBalance(tx *gorm.DB, accountID string, createIfMissing bool) (*models.AccountBalance, error) {
	var balance models.AccountBalance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("account_id = ?", accountID).
		First(&balance).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		if !createIfMissing {
			return nil, models.NewUnknownAccountError(accountID)
		}
		balance = models.AccountBalance{AccountID: accountID}
		if err := tx.Create(&balance).Error; err != nil {
			return nil, fmt.Errorf("failed to create account balance: %w", err)
		}
		return &balance, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock account balance: %w", err)
	}

	return &balance, nil
}

// mapTxError surfaces context expiry during a lock wait as the retryable
// lock_timeout category instead of a bare driver error.
func (s *Service) mapTxError(ctx context.Context, accountID string, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewLockTimeoutError(accountID, err)
	}
	return err
}

// EnsureAccount finds or creates the balance row for an account. A non-zero
// signupGrant lands in the ledger as a promotional entry the first time the
// row is created. Insert-or-ignore decides the winner when two first touches
// race, and the insert and its grant commit in one transaction: a failed
// grant rolls the row back, so a retry gets another first touch instead of
// finding an ungranted row.
func (s *Service) EnsureAccount(ctx context.Context, accountID string, signupGrant int64) (*models.AccountBalance, error) {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		balance := models.AccountBalance{AccountID: accountID}
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&balance)
		if res.Error != nil {
			return fmt.Errorf("failed to create account balance: %w", res.Error)
		}
		if res.RowsAffected == 0 || signupGrant <= 0 {
			return nil
		}
		_, err := s.ApplyDeltaIn(tx, models.ApplyDeltaParams{
			AccountID:     accountID,
			Amount:        signupGrant,
			Type:          models.TransactionPromotional,
			ReferenceType: "signup",
			ReferenceID:   accountID,
			Description:   "signup credit grant",
		})
		return err
	})
	if err != nil {
		return nil, s.mapTxError(ctx, accountID, err)
	}

	return s.GetBalance(ctx, accountID)
}

// GetBalance retrieves the cached balance for an account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (*models.AccountBalance, error) {
	var balance models.AccountBalance
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		First(&balance).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, models.NewUnknownAccountError(accountID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account balance: %w", err)
	}

	return &balance, nil
}

// Entries returns an account's ledger entries, newest first, optionally
// bounded to a time range.
func (s *Service) Entries(ctx context.Context, accountID string, from, to time.Time, limit, offset int) ([]models.LedgerEntry, error) {
	query := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC")

	if !from.IsZero() {
		query = query.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		query = query.Where("created_at < ?", to)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var entries []models.LedgerEntry
	if err := query.Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get ledger entries: %w", err)
	}

	return entries, nil
}

// EntriesByReference returns the entries recorded against one reference id,
// e.g. a webhook event. Used by audits to prove at-most-once application.
func (s *Service) EntriesByReference(ctx context.Context, referenceID string) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("reference_id = ?", referenceID).
		Order("created_at ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to get ledger entries by reference: %w", err)
	}
	return entries, nil
}
