package entitlements

import (
	"errors"
	"fmt"
	"time"

	"github.com/blooma/blooma/app/models"
	"github.com/blooma/blooma/internal/pkg/env"
)

// ErrInvalidSubscriptionState is returned when a subscription references a
// plan the catalog does not know. It indicates a data-integrity problem
// between this system and the payment processor and must be surfaced, never
// silently downgraded.
var ErrInvalidSubscriptionState = errors.New("invalid subscription state")

// DefaultPastDueGrace is how long a past_due subscription keeps its
// entitlement after the period end while the processor retries the charge.
const DefaultPastDueGrace = 7 * 24 * time.Hour

// Entitlement is the derived access level for an account. It is independent
// of the credit balance: a canceled account can still spend leftover credits.
type Entitlement struct {
	Active bool   `json:"active"`
	Plan   PlanID `json:"plan"`
	Tier   int    `json:"tier"`
}

func freeEntitlement() Entitlement {
	return Entitlement{Active: false, Plan: PlanFree, Tier: 0}
}

// PastDueGrace reads the configured grace window, falling back to the default.
func PastDueGrace() time.Duration {
	raw := env.GetEnv("BILLING_PAST_DUE_GRACE", "")
	if raw == "" {
		return DefaultPastDueGrace
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return DefaultPastDueGrace
	}
	return d
}

// Resolve derives the entitlement for a subscription at the given instant.
// A nil subscription (account never subscribed) resolves to the free tier.
// The check is read-only; callers needing freshness must process the latest
// billing event first.
func Resolve(sub *models.Subscription, now time.Time) (Entitlement, error) {
	return ResolveWithGrace(sub, now, PastDueGrace())
}

// ResolveWithGrace is Resolve with an explicit past_due grace window.
func ResolveWithGrace(sub *models.Subscription, now time.Time, grace time.Duration) (Entitlement, error) {
	if sub == nil || sub.Status == models.SubscriptionStatusNone {
		return freeEntitlement(), nil
	}

	plan, err := Lookup(sub.PlanID)
	if err != nil {
		return freeEntitlement(), fmt.Errorf("%w: subscription %d references %q", ErrInvalidSubscriptionState, sub.ID, sub.PlanID)
	}

	ent := Entitlement{Active: false, Plan: plan.ID, Tier: plan.TierRank}
	if !statusEntitles(sub, now, grace) {
		return ent, nil
	}
	if !withinPeriod(sub, now, grace) {
		return ent, nil
	}
	ent.Active = true
	return ent, nil
}

func statusEntitles(sub *models.Subscription, now time.Time, grace time.Duration) bool {
	switch sub.Status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusTrialing:
		return true
	case models.SubscriptionStatusPastDue:
		return true
	case models.SubscriptionStatusCanceled:
		// Canceled at period end keeps access until the period expires.
		return sub.CancelAtPeriodEnd && sub.CurrentPeriodEnd != nil && now.Before(*sub.CurrentPeriodEnd)
	default:
		return false
	}
}

func withinPeriod(sub *models.Subscription, now time.Time, grace time.Duration) bool {
	if sub.CurrentPeriodStart != nil && now.Before(*sub.CurrentPeriodStart) {
		return false
	}
	if sub.CurrentPeriodEnd == nil {
		// Processor has not reported a period yet; optimistic local check only.
		return true
	}
	end := *sub.CurrentPeriodEnd
	if sub.Status == models.SubscriptionStatusPastDue {
		end = end.Add(grace)
	}
	return now.Before(end)
}
