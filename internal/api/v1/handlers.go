package apiv1

import (
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/blooma/blooma/app/controllers"
	"github.com/blooma/blooma/internal/pkg/entitlements"
	"github.com/blooma/blooma/internal/pkg/ledger"
	"github.com/blooma/blooma/internal/pkg/usercontext"
)

// APIServer implements the versioned JSON API
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// Pong is the health check response body
type Pong struct {
	Ping string `json:"ping"`
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	response := Pong{
		Ping: "pong",
	}

	return c.Status(fiber.StatusOK).JSON(response)
}

// GetUserEntitlement returns the caller's access level and credit balance.
// A balance that cannot be read resolves to zero; the caller sees a reduced
// but never an inflated entitlement.
func (s *APIServer) GetUserEntitlement(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	ent, err := controllers.GetBillingService().CurrentEntitlement(c.Context(), userCtx.UserID, time.Now())
	if err != nil {
		// Degrade rather than fail: the caller sees the inactive free tier
		// while operators chase the underlying problem.
		log.Printf("entitlement lookup failed for user %d: %v", userCtx.UserID, err)
		ent = entitlements.Entitlement{Active: false, Plan: entitlements.PlanFree, Tier: 0}
	}

	var balance int64
	if b, err := controllers.GetLedgerService().BalanceOf(c.Context(), userCtx.UserID); err == nil {
		balance = b
	} else {
		log.Printf("balance lookup failed for user %d: %v", userCtx.UserID, err)
	}

	return c.JSON(fiber.Map{
		"active":  ent.Active,
		"plan":    ent.Plan,
		"tier":    ent.Tier,
		"balance": balance,
	})
}

// ConsumeRequest is the body of POST /api/v1/credits/consume
type ConsumeRequest struct {
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

// PostCreditsConsume atomically spends credits. Retrying with the same
// reference returns the original transaction instead of spending twice.
func (s *APIServer) PostCreditsConsume(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	var req ConsumeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid JSON body"})
	}
	if req.Amount <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Amount must be positive"})
	}
	if strings.TrimSpace(req.Reference) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Missing reference"})
	}

	tx, balance, err := controllers.GetLedgerService().Consume(c.Context(), userCtx.UserID, req.Amount, req.Reason, req.Reference)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "insufficient_credits", "message": "Not enough credits"})
		}
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Invalid amount"})
		}
		log.Printf("consume failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Credit consumption failed"})
	}

	return c.JSON(fiber.Map{
		"transaction_id": tx.ID,
		"amount":         tx.Amount,
		"balance":        balance,
	})
}

// GetCreditTransactions returns the caller's ledger history, newest first
func (s *APIServer) GetCreditTransactions(c *fiber.Ctx) error {
	userCtx := usercontext.GetUserContext(c)
	if !userCtx.IsLoggedIn {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing or invalid authentication"})
	}

	limit, err := strconv.Atoi(c.Query("limit", "50"))
	if err != nil || limit <= 0 || limit > 200 {
		limit = 50
	}
	offset, err := strconv.Atoi(c.Query("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}

	txs, err := controllers.GetLedgerService().ListTransactions(c.Context(), userCtx.UserID, offset, limit)
	if err != nil {
		log.Printf("transaction list failed for user %d: %v", userCtx.UserID, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Transaction lookup failed"})
	}

	items := make([]fiber.Map, 0, len(txs))
	for _, tx := range txs {
		items = append(items, fiber.Map{
			"id":          tx.ID,
			"kind":        tx.Kind,
			"amount":      tx.Amount,
			"description": tx.Description,
			"period_ref":  tx.PeriodRef,
			"created_at":  tx.CreatedAt.UTC().Format(time.RFC3339),
		})
	}

	return c.JSON(fiber.Map{
		"transactions": items,
		"offset":       offset,
		"limit":        limit,
	})
}
