package billing

import (
	"errors"
	"time"
)

// GrantResult is the outcome of a grant reconciliation.
type GrantResult string

const (
	Granted        GrantResult = "granted"
	AlreadyGranted GrantResult = "already_granted"
	GrantNotDue    GrantResult = "not_due"
)

// Outcome is the result of processing one webhook delivery.
type Outcome string

const (
	OutcomeGranted        Outcome = "granted"
	OutcomeAlreadyGranted Outcome = "already_granted"
	OutcomeNotDue         Outcome = "not_due"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeIgnored        Outcome = "ignored"
)

// ErrSignatureInvalid rejects deliveries whose webhook signature does not
// verify against the configured secret.
var ErrSignatureInvalid = errors.New("invalid webhook signature")

// ErrUnsupportedEvent rejects processor payloads this system cannot map to a
// subscription. Dropping such an event silently would mean a missed grant,
// so it is surfaced instead.
var ErrUnsupportedEvent = errors.New("unsupported billing event")

// NormalizedSubscription is the provider-agnostic shape every processor
// event is reduced to before reconciliation. Webhook payloads and on-demand
// subscription queries both produce this.
type NormalizedSubscription struct {
	UserID                 uint
	Provider               string
	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProductRef             string
	Status                 string
	CurrentPeriodStart     *time.Time
	CurrentPeriodEnd       *time.Time
	CancelAtPeriodEnd      bool
	RawPayloadJSON         string
}

// WebhookDelivery carries one raw webhook request into ProcessBillingEvent.
type WebhookDelivery struct {
	Provider  string
	EventID   string
	Timestamp string
	Signature string
	Payload   []byte
}

// ProcessReport is what ProcessBillingEvent hands back to the HTTP layer.
type ProcessReport struct {
	Outcome Outcome
	EventID uint
}
