package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/blooma/blooma/app/models"
	"github.com/blooma/blooma/internal/pkg/entitlements"
	"github.com/blooma/blooma/internal/pkg/env"
	"github.com/blooma/blooma/internal/pkg/ledger"
	"gorm.io/gorm"
)

// Ledger is the slice of the credit ledger the billing service writes
// through. Grants go through Append so the idempotency-key invariant applies.
type Ledger interface {
	Append(ctx context.Context, tx *models.CreditTransaction) (*models.CreditTransaction, bool, error)
}

// Service synchronizes processor subscription state into local tables and
// schedules the per-period credit grants.
type Service struct {
	repo          Repository
	ledger        Ledger
	webhookSecret string
}

// NewService creates a billing service from injected collaborators.
func NewService(repo Repository, led Ledger, webhookSecret string) *Service {
	return &Service{repo: repo, ledger: led, webhookSecret: webhookSecret}
}

// NewServiceFromDB creates a billing service from a GORM DB handle and a
// ledger service, reading the webhook secret from the environment.
func NewServiceFromDB(db *gorm.DB, led *ledger.Service) *Service {
	return NewService(NewRepository(db), led, env.GetEnv("BILLING_WEBHOOK_SECRET", ""))
}

// GrantIdempotencyKey derives the ledger key for a period grant. It is a pure
// function of plan and billing period, never of wall-clock time, so replays
// within the same period always collide.
func GrantIdempotencyKey(planID entitlements.PlanID, periodRef string) string {
	return fmt.Sprintf("grant:%s:%s", planID, periodRef)
}

func periodRef(sub *models.Subscription) string {
	if sub.CurrentPeriodStart != nil {
		return sub.CurrentPeriodStart.UTC().Format(time.RFC3339)
	}
	return "initial"
}

// ReconcileGrant decides whether the subscription's current period still owes
// a credit grant and performs it idempotently.
func (s *Service) ReconcileGrant(ctx context.Context, sub *models.Subscription, asOf time.Time) (GrantResult, error) {
	plan, err := entitlements.Lookup(sub.PlanID)
	if err != nil {
		return GrantNotDue, fmt.Errorf("%w: subscription %d references plan %q",
			entitlements.ErrInvalidSubscriptionState, sub.ID, sub.PlanID)
	}

	if sub.Status != models.SubscriptionStatusActive {
		return GrantNotDue, nil
	}
	if plan.MonthlyTopUp <= 0 {
		return GrantNotDue, nil
	}
	if sub.CurrentPeriodEnd != nil && !asOf.Before(*sub.CurrentPeriodEnd) {
		// The period this event refers to is already over; granting now
		// would top up a window nobody can use.
		return GrantNotDue, nil
	}

	ref := periodRef(sub)
	_, created, err := s.ledger.Append(ctx, &models.CreditTransaction{
		UserID:         sub.UserID,
		Kind:           models.CreditKindGrant,
		Amount:         plan.MonthlyTopUp,
		IdempotencyKey: GrantIdempotencyKey(plan.ID, ref),
		Description:    fmt.Sprintf("%s period top-up", plan.ID),
		PeriodRef:      ref,
	})
	if err != nil {
		return GrantNotDue, fmt.Errorf("grant for user %d: %w", sub.UserID, err)
	}
	if !created {
		return AlreadyGranted, nil
	}
	return Granted, nil
}

// SyncSubscription upserts the processor subscription state and reconciles
// the grant it implies.
func (s *Service) SyncSubscription(ctx context.Context, in NormalizedSubscription) (*models.Subscription, GrantResult, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if in.UserID == 0 || provider == "" || strings.TrimSpace(in.ProviderSubscriptionID) == "" {
		return nil, GrantNotDue, errors.New("user_id, provider and provider_subscription_id are required")
	}

	plan, interval, err := entitlements.PlanForProductRef(in.ProductRef)
	if err != nil {
		return nil, GrantNotDue, fmt.Errorf("%w: unmapped product %q",
			entitlements.ErrInvalidSubscriptionState, in.ProductRef)
	}

	sub := &models.Subscription{
		UserID:                 in.UserID,
		Provider:               provider,
		ProviderSubscriptionID: strings.TrimSpace(in.ProviderSubscriptionID),
		ProviderCustomerID:     strings.TrimSpace(in.ProviderCustomerID),
		ProductRef:             strings.TrimSpace(in.ProductRef),
		PlanID:                 string(plan.ID),
		BillingInterval:        interval,
		Status:                 ProcessorStatusToSubscriptionStatus(in.Status),
		CurrentPeriodStart:     in.CurrentPeriodStart,
		CurrentPeriodEnd:       in.CurrentPeriodEnd,
		CancelAtPeriodEnd:      in.CancelAtPeriodEnd,
		RawPayloadJSON:         in.RawPayloadJSON,
	}
	if err := s.repo.UpsertSubscription(sub); err != nil {
		return nil, GrantNotDue, fmt.Errorf("upsert subscription: %w", err)
	}

	result, err := s.ReconcileGrant(ctx, sub, time.Now())
	if err != nil {
		return sub, result, err
	}
	return sub, result, nil
}

// ProcessBillingEvent handles one webhook delivery end to end: dedup,
// signature check, parse, account resolution, subscription sync, grant.
// Re-invoking it with the identical delivery is safe at every stage.
func (s *Service) ProcessBillingEvent(ctx context.Context, delivery WebhookDelivery) (ProcessReport, error) {
	provider := strings.ToLower(strings.TrimSpace(delivery.Provider))
	if provider == "" {
		provider = models.BillingProviderPolar
	}
	eventID := strings.TrimSpace(delivery.EventID)
	if eventID == "" {
		sum := sha256.Sum256(delivery.Payload)
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	signatureValid := VerifyWebhookSignature(delivery.Payload, delivery.EventID, delivery.Timestamp, delivery.Signature, s.webhookSecret)

	created, stored, err := s.repo.CreateWebhookEventIfNotExists(&models.WebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       eventTypeOf(delivery.Payload),
		PayloadJSON:     string(delivery.Payload),
		SignatureValid:  signatureValid,
	})
	if err != nil {
		return ProcessReport{}, fmt.Errorf("persist webhook event: %w", err)
	}
	report := ProcessReport{EventID: stored.ID}
	if !created {
		// Redelivery. Only a fully processed event is a true duplicate: a row
		// whose first attempt failed, or that an unsigned delivery squatted on
		// this id, runs again. The grant idempotency keys make that safe.
		if stored.ProcessedAt != nil && stored.ProcessingError == "" {
			report.Outcome = OutcomeDuplicate
			return report, nil
		}
		if signatureValid && !stored.SignatureValid {
			if err := s.repo.MarkWebhookSignatureValid(stored.ID); err != nil {
				log.Printf("billing: mark webhook %d signature valid failed: %v", stored.ID, err)
			}
		}
	}

	if !signatureValid {
		s.markProcessed(stored.ID, ErrSignatureInvalid)
		return report, ErrSignatureInvalid
	}

	ev, err := ParseSubscriptionEvent(delivery.Payload)
	if err != nil {
		s.markProcessed(stored.ID, err)
		return report, err
	}

	user, err := s.resolveUser(ev)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			s.markProcessed(stored.ID, errors.New("no local account for processor customer"))
			report.Outcome = OutcomeIgnored
			return report, nil
		}
		s.markProcessed(stored.ID, err)
		return report, fmt.Errorf("resolve account: %w", err)
	}

	_, grantResult, err := s.SyncSubscription(ctx, NormalizedSubscription{
		UserID:                 user.ID,
		Provider:               provider,
		ProviderSubscriptionID: ev.SubscriptionID,
		ProviderCustomerID:     ev.CustomerID,
		ProductRef:             ev.ProductRef,
		Status:                 ev.Status,
		CurrentPeriodStart:     ev.CurrentPeriodStart,
		CurrentPeriodEnd:       ev.CurrentPeriodEnd,
		CancelAtPeriodEnd:      ev.CancelAtPeriodEnd,
		RawPayloadJSON:         string(delivery.Payload),
	})
	if err != nil {
		s.markProcessed(stored.ID, err)
		return report, err
	}

	s.markProcessed(stored.ID, nil)
	report.Outcome = Outcome(grantResult)
	return report, nil
}

// CurrentEntitlement loads the account's latest subscription and derives its
// entitlement. Accounts without a subscription resolve to the free tier.
func (s *Service) CurrentEntitlement(ctx context.Context, userID uint, now time.Time) (entitlements.Entitlement, error) {
	sub, err := s.repo.GetLatestSubscriptionByUser(userID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlements.Resolve(nil, now)
		}
		return entitlements.Entitlement{}, fmt.Errorf("load subscription for user %d: %w", userID, err)
	}
	return entitlements.Resolve(sub, now)
}

// resolveUser maps the processor's customer reference to a local account.
// The external id is set to the local user id at checkout; email is the
// fallback for accounts linked before that convention.
func (s *Service) resolveUser(ev *SubscriptionEvent) (*models.User, error) {
	if ev.CustomerExternalID != "" {
		if id, err := strconv.ParseUint(ev.CustomerExternalID, 10, 32); err == nil {
			if user, err := s.repo.FindUserByID(uint(id)); err == nil {
				return user, nil
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, err
			}
		}
	}
	if ev.CustomerEmail != "" {
		return s.repo.FindUserByEmail(ev.CustomerEmail)
	}
	return nil, gorm.ErrRecordNotFound
}

func (s *Service) markProcessed(eventID uint, processingErr error) {
	msg := ""
	if processingErr != nil {
		msg = processingErr.Error()
	}
	if err := s.repo.MarkWebhookProcessed(eventID, msg); err != nil {
		// Best effort; the unique event row already prevents reprocessing.
		log.Printf("billing: mark webhook %d processed failed: %v", eventID, err)
	}
}

func eventTypeOf(payload []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	_ = json.Unmarshal(payload, &probe)
	return strings.TrimSpace(probe.Type)
}
