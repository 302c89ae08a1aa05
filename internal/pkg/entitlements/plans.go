package entitlements

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blooma/blooma/internal/pkg/env"
)

// ErrUnknownPlan is returned when a plan identifier is outside the enumerated
// set. This is a configuration error and must never be silently defaulted.
var ErrUnknownPlan = errors.New("unknown plan")

type PlanID string

const (
	PlanFree        PlanID = "free"
	PlanSmallBrands PlanID = "small_brands"
	PlanAgency      PlanID = "agency"
	PlanStudio      PlanID = "studio"
)

// Plan describes one subscription tier. Plans are fixed at deploy time and
// never created or mutated at runtime.
type Plan struct {
	ID           PlanID
	MonthlyTopUp int64
	TierRank     int
}

var catalog = map[PlanID]Plan{
	PlanFree:        {ID: PlanFree, MonthlyTopUp: 0, TierRank: 0},
	PlanSmallBrands: {ID: PlanSmallBrands, MonthlyTopUp: 2000, TierRank: 1},
	PlanAgency:      {ID: PlanAgency, MonthlyTopUp: 5000, TierRank: 2},
	PlanStudio:      {ID: PlanStudio, MonthlyTopUp: 10000, TierRank: 3},
}

// Lookup resolves a plan identifier against the catalog.
func Lookup(id string) (Plan, error) {
	plan, ok := catalog[PlanID(strings.ToLower(strings.TrimSpace(id)))]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, id)
	}
	return plan, nil
}

// CompareTier returns a negative value when a ranks below b, zero when the
// tiers are equal and a positive value when a ranks above b.
func CompareTier(a, b Plan) int {
	return a.TierRank - b.TierRank
}

// Processor product IDs per plan and interval. The env vars allow remapping
// without a deploy; the fallbacks are the live product IDs.
type productConfig struct {
	monthlyEnvVar   string
	yearlyEnvVar    string
	fallbackMonthly string
	fallbackYearly  string
}

var productConfigs = map[PlanID]productConfig{
	PlanSmallBrands: {
		monthlyEnvVar:   "BILLING_SMALL_BRANDS_PRODUCT_ID",
		yearlyEnvVar:    "BILLING_SMALL_BRANDS_YEARLY_PRODUCT_ID",
		fallbackMonthly: "d745917d-ec02-4a2d-b7bb-fd081dc59cf9",
		fallbackYearly:  "7dbbd08a-5a5d-48f4-9293-beb7dfaadc6f",
	},
	PlanAgency: {
		monthlyEnvVar:   "BILLING_AGENCY_PRODUCT_ID",
		yearlyEnvVar:    "BILLING_AGENCY_YEARLY_PRODUCT_ID",
		fallbackMonthly: "4afac01f-6437-41b6-9255-87114906fd4e",
		fallbackYearly:  "a7310f15-c1e0-48bf-86fe-83bdda9ace00",
	},
	PlanStudio: {
		monthlyEnvVar:   "BILLING_STUDIO_PRODUCT_ID",
		yearlyEnvVar:    "BILLING_STUDIO_YEARLY_PRODUCT_ID",
		fallbackMonthly: "ef63cb29-ad44-4d53-baa9-023455ba81d4",
		fallbackYearly:  "344185f8-b696-4c5d-baa5-3c1ac34c34a9",
	},
}

func productID(cfg productConfig, interval string) string {
	envVar := cfg.monthlyEnvVar
	fallback := cfg.fallbackMonthly
	if interval == "year" {
		envVar = cfg.yearlyEnvVar
		fallback = cfg.fallbackYearly
	}
	if v := strings.TrimSpace(env.GetEnv(envVar, "")); v != "" {
		return v
	}
	return fallback
}

// PlanForProductRef maps a processor product reference to a plan and billing
// interval. Unknown references return ErrUnknownPlan.
func PlanForProductRef(productRef string) (Plan, string, error) {
	ref := strings.TrimSpace(productRef)
	if ref == "" {
		return Plan{}, "", fmt.Errorf("%w: empty product ref", ErrUnknownPlan)
	}
	for id, cfg := range productConfigs {
		for _, interval := range []string{"month", "year"} {
			if productID(cfg, interval) == ref {
				return catalog[id], interval, nil
			}
		}
	}
	return Plan{}, "", fmt.Errorf("%w: product ref %q", ErrUnknownPlan, ref)
}
