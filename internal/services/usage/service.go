package usage

import (
	"context"
	"time"

	"github.com/grantscope/creditmeter/internal/models"
	"github.com/grantscope/creditmeter/internal/services/ledger"
)

// consumeTimeout bounds the per-account lock wait on the consume path.
// A stuck lock holder surfaces as a retryable lock_timeout instead of
// stalling every caller for that account.
const consumeTimeout = 5 * time.Second

// Service gates billable actions. The search/job pipeline must call
// ConsumeCredit and see success before starting billable work; on
// insufficient credit the action is rejected before any downstream cost.
type Service struct {
	ledger      *ledger.Service
	rateLimiter *RateLimiter
	consumeRPM  int
}

func NewService(ledgerService *ledger.Service, consumeRPM int) *Service {
	return &Service{
		ledger:      ledgerService,
		rateLimiter: NewRateLimiter(),
		consumeRPM:  consumeRPM,
	}
}

// ConsumeCredit debits one credit for a billable search action.
func (s *Service) ConsumeCredit(ctx context.Context, accountID, reference string) (*models.LedgerEntry, error) {
	return s.ConsumeCredits(ctx, accountID, reference, 1)
}

// ConsumeCredits debits amount credits in one atomic step. Used by batch
// jobs that bill several searches under a single reference.
func (s *Service) ConsumeCredits(ctx context.Context, accountID, reference string, amount int64) (*models.LedgerEntry, error) {
	if amount <= 0 {
		return nil, models.NewValidationError("amount must be positive", nil)
	}

	allowed, err := s.rateLimiter.CheckRateLimit(ctx, accountID, s.consumeRPM)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, models.NewRateLimitError()
	}

	ctx, cancel := context.WithTimeout(ctx, consumeTimeout)
	defer cancel()

	return s.ledger.ApplyDelta(ctx, models.ApplyDeltaParams{
		AccountID:     accountID,
		Amount:        -amount,
		Type:          models.TransactionSearchUsed,
		ReferenceType: "search",
		ReferenceID:   reference,
	})
}
