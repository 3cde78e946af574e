package ledger

import (
	"context"
	"fmt"

	"github.com/grantscope/creditmeter/internal/models"
)

// Reconcile replays an account's ledger and compares it to the cached
// balance: the sum of all entry amounts must equal total_credits, and each
// entry's balance_after must equal the previous balance_after plus its
// amount. The cache is a derived projection; this is the check that it has
// not drifted.
func (s *Service) Reconcile(ctx context.Context, accountID string) (*models.ReconciliationReport, error) {
	balance, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}

	var entries []models.LedgerEntry
	if err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to replay ledger: %w", err)
	}

	report := &models.ReconciliationReport{
		AccountID:     accountID,
		CachedBalance: balance.TotalCredits,
		EntryCount:    int64(len(entries)),
	}

	var running int64
	for _, e := range entries {
		running += e.Amount
		if e.BalanceAfter != running && report.ChainBrokenAt == "" {
			report.ChainBrokenAt = e.ID
		}
	}

	report.LedgerSum = running
	report.Consistent = report.LedgerSum == report.CachedBalance && report.ChainBrokenAt == ""

	return report, nil
}
