package api

import (
	"errors"
	"strconv"
	"time"

	"github.com/grantscope/creditmeter/internal/models"
	"github.com/grantscope/creditmeter/internal/services/ledger"
	"github.com/grantscope/creditmeter/internal/services/usage"

	"github.com/gofiber/fiber/v2"
)

type CreditsHandler struct {
	usageService  *usage.Service
	ledgerService *ledger.Service
	signupGrant   int64
}

func NewCreditsHandler(usageService *usage.Service, ledgerService *ledger.Service, signupGrant int64) *CreditsHandler {
	return &CreditsHandler{
		usageService:  usageService,
		ledgerService: ledgerService,
		signupGrant:   signupGrant,
	}
}

// ProvisionRequest represents the request body for provisioning an account
type ProvisionRequest struct {
	AccountID string `json:"account_id"`
}

// ProvisionAccount creates the balance row for a new account, applying the
// configured signup grant on first creation. Idempotent: repeat calls return
// the existing balance without granting again.
func (h *CreditsHandler) ProvisionAccount(c *fiber.Ctx) error {
	var req ProvisionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if req.AccountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id is required",
		})
	}

	balance, err := h.ledgerService.EnsureAccount(c.UserContext(), req.AccountID, h.signupGrant)
	if err != nil {
		return respondError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(BalanceResponse{
		AccountID:          balance.AccountID,
		TotalCredits:       balance.TotalCredits,
		MonthlyCreditsUsed: balance.MonthlyCreditsUsed,
		MonthlyResetDate:   balance.MonthlyResetDate,
		LastCreditedAt:     balance.LastCreditedAt,
	})
}

// ConsumeRequest represents the request body for consuming credits
type ConsumeRequest struct {
	AccountID string `json:"account_id"`
	Reference string `json:"reference"`
	Amount    int64  `json:"amount,omitempty"`
}

// ConsumeResponse represents a successful consumption
type ConsumeResponse struct {
	AccountID string `json:"account_id"`
	Remaining int64  `json:"remaining"`
	EntryID   string `json:"entry_id"`
}

// Consume debits credits for a billable action. Callers must see success
// before starting the billable work; a 402 means the action is rejected.
func (h *CreditsHandler) Consume(c *fiber.Ctx) error {
	var req ConsumeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.AccountID == "" || req.Reference == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id and reference are required",
		})
	}

	amount := req.Amount
	if amount == 0 {
		amount = 1
	}

	entry, err := h.usageService.ConsumeCredits(c.UserContext(), req.AccountID, req.Reference, amount)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(ConsumeResponse{
		AccountID: req.AccountID,
		Remaining: entry.BalanceAfter,
		EntryID:   entry.ID,
	})
}

// BalanceResponse represents the response for balance queries
type BalanceResponse struct {
	AccountID          string     `json:"account_id"`
	TotalCredits       int64      `json:"total_credits"`
	MonthlyCreditsUsed int64      `json:"monthly_credits_used"`
	MonthlyResetDate   *time.Time `json:"monthly_reset_date"`
	LastCreditedAt     *time.Time `json:"last_credited_at"`
}

// GetBalance retrieves the current credit balance for an account
func (h *CreditsHandler) GetBalance(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id is required",
		})
	}

	balance, err := h.ledgerService.GetBalance(c.UserContext(), accountID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(BalanceResponse{
		AccountID:          balance.AccountID,
		TotalCredits:       balance.TotalCredits,
		MonthlyCreditsUsed: balance.MonthlyCreditsUsed,
		MonthlyResetDate:   balance.MonthlyResetDate,
		LastCreditedAt:     balance.LastCreditedAt,
	})
}

// LedgerResponse represents a page of ledger entries
type LedgerResponse struct {
	Entries []models.LedgerEntry `json:"entries"`
	Total   int                  `json:"total"`
	Limit   int                  `json:"limit"`
	Offset  int                  `json:"offset"`
}

// GetLedger retrieves an account's ledger entries for audit, newest first,
// optionally bounded by from/to RFC3339 timestamps.
func (h *CreditsHandler) GetLedger(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id is required",
		})
	}

	var from, to time.Time
	if v := c.Query("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "from must be RFC3339",
			})
		}
		from = t
	}
	if v := c.Query("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "to must be RFC3339",
			})
		}
		to = t
	}

	limit := 20
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	entries, err := h.ledgerService.Entries(c.UserContext(), accountID, from, to, limit, offset)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(LedgerResponse{
		Entries: entries,
		Total:   len(entries),
		Limit:   limit,
		Offset:  offset,
	})
}

// Reconcile replays the account's ledger against the cached balance.
func (h *CreditsHandler) Reconcile(c *fiber.Ctx) error {
	accountID := c.Params("account_id")
	if accountID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "account_id is required",
		})
	}

	report, err := h.ledgerService.Reconcile(c.UserContext(), accountID)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(report)
}

// respondError maps AppError categories onto HTTP statuses; anything else
// is a sanitized 500.
func respondError(c *fiber.Ctx, err error) error {
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return c.Status(appErr.GetStatusCode()).JSON(models.SanitizeError(appErr))
	}
	return c.Status(fiber.StatusInternalServerError).JSON(models.SanitizeError(err))
}
