package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grantscope/creditmeter/internal/models"
	"github.com/grantscope/creditmeter/internal/services/billing"
	"github.com/grantscope/creditmeter/internal/services/ledger"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	leaseKey      = "creditmeter:reset:lease"
	sweepPoolSize = 4
)

// CreditResetScheduler grants monthly allotments to accounts with active
// subscriptions whose reset date has come due. Re-running within the same
// period is a no-op, and concurrent instances cannot double-grant: the due
// date is rechecked under the account row lock, in the same transaction as
// the grant.
type CreditResetScheduler struct {
	db         *gorm.DB
	ledger     *ledger.Service
	catalog    *billing.Catalog
	redis      *redis.Client
	interval   time.Duration
	instanceID string
	stopChan   chan struct{}
}

func NewCreditResetScheduler(db *gorm.DB, ledgerService *ledger.Service, catalog *billing.Catalog, redisClient *redis.Client, interval time.Duration) *CreditResetScheduler {
	if interval == 0 {
		interval = 1 * time.Hour
	}
	return &CreditResetScheduler{
		db:         db,
		ledger:     ledgerService,
		catalog:    catalog,
		redis:      redisClient,
		interval:   interval,
		instanceID: uuid.New().String(),
		stopChan:   make(chan struct{}),
	}
}

func (s *CreditResetScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fiberlog.Infof("Credit reset scheduler started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			if !s.acquireLease(ctx) {
				fiberlog.Debug("Credit reset lease held elsewhere, skipping sweep")
				continue
			}
			if err := s.ProcessDueResets(ctx); err != nil {
				fiberlog.Errorf("Error processing credit resets: %v", err)
			}
		case <-s.stopChan:
			fiberlog.Info("Credit reset scheduler stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Credit reset scheduler stopped due to context cancellation")
			return
		}
	}
}

func (s *CreditResetScheduler) Stop() {
	close(s.stopChan)
}

// acquireLease takes a short Redis lease so concurrent instances skip
// redundant sweeps. Purely an efficiency measure: correctness never depends
// on it, only on the in-transaction due-date recheck.
func (s *CreditResetScheduler) acquireLease(ctx context.Context) bool {
	if s.redis == nil {
		return true
	}
	ok, err := s.redis.SetNX(ctx, leaseKey, s.instanceID, s.interval).Result()
	if err != nil {
		fiberlog.Warnf("Failed to acquire reset lease, sweeping anyway: %v", err)
		return true
	}
	return ok
}

// ProcessDueResets walks every active subscription whose account reset date
// has passed and grants the plan's monthly allotment.
func (s *CreditResetScheduler) ProcessDueResets(ctx context.Context) error {
	now := time.Now().UTC()

	var due []models.Subscription
	err := s.db.WithContext(ctx).
		Select("subscriptions.*").
		Joins("JOIN account_balances ON account_balances.account_id = subscriptions.account_id").
		Where("subscriptions.status = ?", models.SubscriptionActive).
		Where("account_balances.monthly_reset_date IS NOT NULL AND account_balances.monthly_reset_date <= ?", now).
		Find(&due).Error
	if err != nil {
		return fmt.Errorf("failed to find due subscriptions: %w", err)
	}

	if len(due) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sweepPoolSize)

	for _, sub := range due {
		g.Go(func() error {
			if err := s.resetAccount(gctx, sub, now); err != nil {
				// One bad account must not abort the sweep. It stays due,
				// so the next tick retries it.
				fiberlog.Errorf("Failed to reset credits for account %s: %v", sub.AccountID, err)
			}
			return nil
		})
	}

	return g.Wait()
}

// resetAccount grants one account's monthly allotment and advances its
// reset date by exactly one billing period from the previous date. Anchoring
// to the previous date rather than now keeps a late-running sweep from
// drifting the schedule.
func (s *CreditResetScheduler) resetAccount(ctx context.Context, sub models.Subscription, now time.Time) error {
	plan, err := s.catalog.PlanByID(ctx, sub.PlanID)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var balance models.AccountBalance
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ?", sub.AccountID).
			First(&balance).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.NewUnknownAccountError(sub.AccountID)
		}
		if err != nil {
			return fmt.Errorf("failed to lock account balance: %w", err)
		}

		// Recheck under the lock: a concurrent sweep that already granted
		// this period advanced the date past now.
		if balance.MonthlyResetDate == nil || balance.MonthlyResetDate.After(now) {
			return nil
		}

		if _, err := s.ledger.ApplyDeltaIn(tx, models.ApplyDeltaParams{
			AccountID:     sub.AccountID,
			Amount:        plan.MonthlyCredits,
			Type:          models.TransactionMonthlyGrant,
			ReferenceType: "subscription",
			ReferenceID:   sub.StripeSubscriptionID,
			Description:   fmt.Sprintf("monthly allotment for plan %s", plan.Name),
		}); err != nil {
			return err
		}

		next := balance.MonthlyResetDate.AddDate(0, 1, 0)
		if err := tx.Model(&balance).Updates(map[string]any{
			"monthly_credits_used": 0,
			"monthly_reset_date":   &next,
		}).Error; err != nil {
			return fmt.Errorf("failed to advance reset date: %w", err)
		}

		return nil
	})
}
