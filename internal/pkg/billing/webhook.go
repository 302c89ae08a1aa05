package billing

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/blooma/blooma/app/models"
)

// SubscriptionEvent is the parsed form of a processor subscription webhook.
type SubscriptionEvent struct {
	Type               string
	SubscriptionID     string
	CustomerID         string
	CustomerExternalID string
	CustomerEmail      string
	ProductRef         string
	Status             string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

type rawCustomer struct {
	ID         string `json:"id"`
	ExternalID string `json:"external_id"`
	Email      string `json:"email"`
}

type rawSubscription struct {
	ID                 string      `json:"id"`
	Status             string      `json:"status"`
	ProductID          string      `json:"product_id"`
	CustomerID         string      `json:"customer_id"`
	CurrentPeriodStart string      `json:"current_period_start"`
	CurrentPeriodEnd   string      `json:"current_period_end"`
	CancelAtPeriodEnd  bool        `json:"cancel_at_period_end"`
	Customer           rawCustomer `json:"customer"`
}

type rawEvent struct {
	Type string `json:"type"`
	Data struct {
		rawSubscription
		// order.created nests the subscription it renewed.
		Subscription *rawSubscription `json:"subscription"`
	} `json:"data"`
}

// ParseSubscriptionEvent normalizes a processor webhook payload. Event types
// that do not carry a subscription are rejected with ErrUnsupportedEvent.
func ParseSubscriptionEvent(payload []byte) (*SubscriptionEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedEvent, err)
	}

	eventType := strings.TrimSpace(raw.Type)
	sub := raw.Data.rawSubscription
	switch {
	case strings.HasPrefix(eventType, "subscription."):
		// data is the subscription itself
	case eventType == "order.created":
		if raw.Data.Subscription == nil {
			return nil, fmt.Errorf("%w: order.created without subscription", ErrUnsupportedEvent)
		}
		sub = *raw.Data.Subscription
	case eventType == "":
		return nil, fmt.Errorf("%w: missing event type", ErrUnsupportedEvent)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEvent, eventType)
	}

	if strings.TrimSpace(sub.ID) == "" {
		return nil, fmt.Errorf("%w: payload missing subscription id", ErrUnsupportedEvent)
	}
	if strings.TrimSpace(sub.ProductID) == "" {
		return nil, fmt.Errorf("%w: payload missing product id", ErrUnsupportedEvent)
	}

	ev := &SubscriptionEvent{
		Type:               eventType,
		SubscriptionID:     strings.TrimSpace(sub.ID),
		CustomerID:         strings.TrimSpace(sub.CustomerID),
		CustomerExternalID: strings.TrimSpace(sub.Customer.ExternalID),
		CustomerEmail:      strings.TrimSpace(sub.Customer.Email),
		ProductRef:         strings.TrimSpace(sub.ProductID),
		Status:             strings.TrimSpace(sub.Status),
		CancelAtPeriodEnd:  sub.CancelAtPeriodEnd,
	}
	if ev.CustomerID == "" {
		ev.CustomerID = strings.TrimSpace(sub.Customer.ID)
	}
	ev.CurrentPeriodStart = parseEventTime(sub.CurrentPeriodStart)
	ev.CurrentPeriodEnd = parseEventTime(sub.CurrentPeriodEnd)
	return ev, nil
}

func parseEventTime(value string) *time.Time {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// ProcessorStatusToSubscriptionStatus maps the processor's status vocabulary
// onto the local subscription states.
func ProcessorStatusToSubscriptionStatus(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.SubscriptionStatusActive
	case "trialing":
		return models.SubscriptionStatusTrialing
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "cancelled", "ended":
		return models.SubscriptionStatusCanceled
	case "revoked":
		return models.SubscriptionStatusRevoked
	case "incomplete", "incomplete_expired":
		return models.SubscriptionStatusIncomplete
	default:
		return models.SubscriptionStatusIncomplete
	}
}
