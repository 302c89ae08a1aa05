package controllers

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/blooma/blooma/app/models"
	"github.com/blooma/blooma/internal/pkg/billing"
	"github.com/blooma/blooma/internal/pkg/entitlements"
)

// HandleBillingWebhook receives payment-processor deliveries. The processor
// retries on anything but 2xx, so every response code here is deliberate:
// replays of an already-stored event return 200.
func HandleBillingWebhook(c *fiber.Ctx) error {
	delivery := billing.WebhookDelivery{
		Provider:  models.BillingProviderPolar,
		EventID:   c.Get("webhook-id"),
		Timestamp: c.Get("webhook-timestamp"),
		Signature: c.Get("webhook-signature"),
		Payload:   append([]byte(nil), c.Body()...),
	}

	report, err := GetBillingService().ProcessBillingEvent(c.Context(), delivery)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrSignatureInvalid):
			log.Printf("billing webhook: invalid signature from %s", GetClientIP(c))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid webhook signature"})
		case errors.Is(err, billing.ErrUnsupportedEvent):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Unsupported event payload"})
		case errors.Is(err, entitlements.ErrInvalidSubscriptionState), errors.Is(err, entitlements.ErrUnknownPlan):
			log.Printf("billing webhook: unmapped subscription state: %v", err)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Subscription references an unknown plan"})
		default:
			log.Printf("billing webhook: processing failed: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Event processing failed"})
		}
	}

	return c.JSON(fiber.Map{"result": report.Outcome})
}
