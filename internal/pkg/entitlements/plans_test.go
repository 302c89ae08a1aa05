package entitlements

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		in      string
		want    PlanID
		topUp   int64
		wantErr bool
	}{
		{in: "free", want: PlanFree, topUp: 0},
		{in: "small_brands", want: PlanSmallBrands, topUp: 2000},
		{in: "agency", want: PlanAgency, topUp: 5000},
		{in: "STUDIO", want: PlanStudio, topUp: 10000},
		{in: "premium", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		plan, err := Lookup(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrUnknownPlan) {
				t.Fatalf("Lookup(%q) error = %v, want ErrUnknownPlan", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("Lookup(%q) unexpected error: %v", tt.in, err)
		}
		if plan.ID != tt.want || plan.MonthlyTopUp != tt.topUp {
			t.Fatalf("Lookup(%q) = %+v, want id=%s topUp=%d", tt.in, plan, tt.want, tt.topUp)
		}
	}
}

func TestCompareTier(t *testing.T) {
	free, _ := Lookup("free")
	small, _ := Lookup("small_brands")
	agency, _ := Lookup("agency")
	studio, _ := Lookup("studio")

	if CompareTier(free, small) >= 0 {
		t.Fatalf("expected small_brands to outrank free")
	}
	if CompareTier(studio, agency) <= 0 {
		t.Fatalf("expected studio to outrank agency")
	}
	if CompareTier(agency, agency) != 0 {
		t.Fatalf("expected equal tiers to compare as 0")
	}
}

func TestPlanForProductRef(t *testing.T) {
	plan, interval, err := PlanForProductRef("4afac01f-6437-41b6-9255-87114906fd4e")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ID != PlanAgency || interval != "month" {
		t.Fatalf("got plan=%s interval=%s, want agency/month", plan.ID, interval)
	}

	plan, interval, err = PlanForProductRef("344185f8-b696-4c5d-baa5-3c1ac34c34a9")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.ID != PlanStudio || interval != "year" {
		t.Fatalf("got plan=%s interval=%s, want studio/year", plan.ID, interval)
	}

	if _, _, err := PlanForProductRef("not-a-product"); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan, got %v", err)
	}
	if _, _, err := PlanForProductRef(""); !errors.Is(err, ErrUnknownPlan) {
		t.Fatalf("expected ErrUnknownPlan for empty ref, got %v", err)
	}
}
