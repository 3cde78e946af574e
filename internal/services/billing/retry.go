package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/grantscope/creditmeter/internal/models"

	fiberlog "github.com/gofiber/fiber/v2/log"
	"github.com/stripe/stripe-go/v81"
)

// RetryWorker sweeps parked webhook events (processed=false) and replays
// them through the gateway. Safe against concurrent sweeps and provider
// redeliveries: every replay goes back through ProcessEvent's claim, so an
// event is still applied at most once.
type RetryWorker struct {
	gateway     *Gateway
	interval    time.Duration
	baseBackoff time.Duration
	maxAttempts int
	stopChan    chan struct{}
}

func NewRetryWorker(gateway *Gateway, interval time.Duration, maxAttempts int) *RetryWorker {
	if interval == 0 {
		interval = 5 * time.Minute
	}
	return &RetryWorker{
		gateway:     gateway,
		interval:    interval,
		baseBackoff: interval,
		maxAttempts: maxAttempts,
		stopChan:    make(chan struct{}),
	}
}

func (w *RetryWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	fiberlog.Infof("Webhook retry worker started, sweeping every %s", w.interval)

	for {
		select {
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				fiberlog.Errorf("Error sweeping unprocessed webhook events: %v", err)
			}
		case <-w.stopChan:
			fiberlog.Info("Webhook retry worker stopped")
			return
		case <-ctx.Done():
			fiberlog.Info("Webhook retry worker stopped due to context cancellation")
			return
		}
	}
}

func (w *RetryWorker) Stop() {
	close(w.stopChan)
}

// Sweep replays every due parked event once. Events that keep failing age
// out of the sweep at maxAttempts but stay in the table for operators.
func (w *RetryWorker) Sweep(ctx context.Context) error {
	events, err := w.gateway.UnprocessedEvents(ctx, w.maxAttempts, w.baseBackoff, 100)
	if err != nil {
		return err
	}

	for _, record := range events {
		event := stripe.Event{
			ID:   record.EventID,
			Type: stripe.EventType(record.EventType),
			Data: &stripe.EventData{Raw: json.RawMessage(record.Payload)},
		}

		if err := w.gateway.ProcessEvent(ctx, event); err != nil {
			if models.IsErrorType(err, models.ErrorTypeValidation) {
				// Permanent; retrying cannot help. Leave it parked.
				fiberlog.Warnf("Webhook event %s failed permanently: %v", record.EventID, err)
				continue
			}
			fiberlog.Errorf("Retry of webhook event %s failed (attempt %d): %v", record.EventID, record.Attempts+1, err)
		} else {
			fiberlog.Infof("Webhook event %s applied on retry", record.EventID)
		}
	}

	return nil
}
