package reporting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/grantscope/creditmeter/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// ArchivedEntry is the ClickHouse mirror of a ledger entry, kept for
// long-range audit queries so reporting load never touches the primary
// store. Rows are append-only copies; the primary ledger stays the source
// of truth.
type ArchivedEntry struct {
	ID           string    `gorm:"primaryKey;size:36"`
	AccountID    string    `gorm:"index"`
	Type         string    `gorm:"index"`
	Amount       int64
	BalanceAfter int64
	ReferenceID  string
	CreatedAt    time.Time `gorm:"index"`
}

func (ArchivedEntry) TableName() string {
	return "ledger_entries_archive"
}

// DailyUsage is one day's aggregate movement for an account.
type DailyUsage struct {
	Day      string `json:"day"`
	Consumed int64  `json:"consumed"`
	Granted  int64  `json:"granted"`
}

// Service exports ledger entries to the analytics store in watermarked
// batches and answers aggregate queries from it.
type Service struct {
	primary   *gorm.DB
	archive   *gorm.DB
	batchSize int
	interval  time.Duration
	stopChan  chan struct{}
}

func NewService(primary, archive *gorm.DB, batchSize int, interval time.Duration) *Service {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if interval == 0 {
		interval = 10 * time.Minute
	}
	return &Service{
		primary:   primary,
		archive:   archive,
		batchSize: batchSize,
		interval:  interval,
		stopChan:  make(chan struct{}),
	}
}

// AutoMigrate runs database migrations for the archive table
func (s *Service) AutoMigrate() error {
	return s.archive.AutoMigrate(&ArchivedEntry{})
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	fiberlog.Infof("Ledger export started, running every %s", s.interval)

	for {
		select {
		case <-ticker.C:
			n, err := s.Export(ctx)
			if err != nil {
				fiberlog.Errorf("Error exporting ledger entries: %v", err)
			} else if n > 0 {
				fiberlog.Infof("Exported %d ledger entries", n)
			}
		case <-s.stopChan:
			fiberlog.Info("Ledger export stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Ledger export stopped due to context cancellation")
			return
		}
	}
}

func (s *Service) Stop() {
	close(s.stopChan)
}

// Export copies entries newer than the archive watermark, in batches.
// Idempotent: re-running after a partial export resumes from the watermark.
// Batches paginate on (created_at, id), not on the timestamp alone, so a
// batch cut in the middle of a shared timestamp never skips the rest.
func (s *Service) Export(ctx context.Context) (int, error) {
	wmTime, wmID, err := s.watermark(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		var entries []models.LedgerEntry
		query := s.primary.WithContext(ctx).
			Order("created_at ASC, id ASC").
			Limit(s.batchSize)
		if !wmTime.IsZero() {
			query = query.Where("created_at > ? OR (created_at = ? AND id > ?)", wmTime, wmTime, wmID)
		}
		if err := query.Find(&entries).Error; err != nil {
			return total, fmt.Errorf("failed to read ledger batch: %w", err)
		}
		if len(entries) == 0 {
			return total, nil
		}

		batch := make([]ArchivedEntry, len(entries))
		for i, e := range entries {
			batch[i] = ArchivedEntry{
				ID:           e.ID,
				AccountID:    e.AccountID,
				Type:         string(e.Type),
				Amount:       e.Amount,
				BalanceAfter: e.BalanceAfter,
				ReferenceID:  e.ReferenceID,
				CreatedAt:    e.CreatedAt,
			}
		}

		if err := s.archive.WithContext(ctx).CreateInBatches(batch, s.batchSize).Error; err != nil {
			return total, fmt.Errorf("failed to write archive batch: %w", err)
		}

		total += len(entries)
		last := entries[len(entries)-1]
		wmTime, wmID = last.CreatedAt, last.ID

		if len(entries) < s.batchSize {
			return total, nil
		}
	}
}

// watermark is the (created_at, id) pair of the newest archived row. Read
// as a full row so the driver's time handling applies; an aggregate
// expression loses the column's declared type on some drivers.
func (s *Service) watermark(ctx context.Context) (time.Time, string, error) {
	var last ArchivedEntry
	err := s.archive.WithContext(ctx).
		Order("created_at DESC, id DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, "", nil
	}
	if err != nil {
		return time.Time{}, "", fmt.Errorf("failed to read archive watermark: %w", err)
	}
	return last.CreatedAt, last.ID, nil
}

// UsageByDay aggregates an account's consumption and grants per day over a
// time range, from the archive.
func (s *Service) UsageByDay(ctx context.Context, accountID string, from, to time.Time) ([]DailyUsage, error) {
	var usage []DailyUsage
	err := s.archive.WithContext(ctx).
		Model(&ArchivedEntry{}).
		Select("DATE(created_at) AS day, SUM(CASE WHEN amount < 0 THEN -amount ELSE 0 END) AS consumed, SUM(CASE WHEN amount > 0 THEN amount ELSE 0 END) AS granted").
		Where("account_id = ? AND created_at >= ? AND created_at < ?", accountID, from, to).
		Group("DATE(created_at)").
		Order("day ASC").
		Scan(&usage).Error
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage: %w", err)
	}
	return usage, nil
}

// ExportAccounts pre-warms per-account aggregates concurrently. Used by the
// ops CLI for ad-hoc backfills.
func (s *Service) ExportAccounts(ctx context.Context, accountIDs []string, from, to time.Time) (map[string][]DailyUsage, error) {
	results := make(map[string][]DailyUsage, len(accountIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	type keyed struct {
		account string
		usage   []DailyUsage
	}
	out := make(chan keyed, len(accountIDs))

	for _, accountID := range accountIDs {
		g.Go(func() error {
			usage, err := s.UsageByDay(gctx, accountID, from, to)
			if err != nil {
				return err
			}
			out <- keyed{account: accountID, usage: usage}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	close(out)
	for k := range out {
		results[k.account] = k.usage
	}

	return results, nil
}
