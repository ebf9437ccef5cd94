package spend

import (
	"context"
	"testing"
	"time"
)

type fakeLedger struct {
	daily, monthly float64
}

func (f fakeLedger) DailyCost(ctx context.Context, day time.Time) (float64, error)   { return f.daily, nil }
func (f fakeLedger) MonthlyCost(ctx context.Context, month time.Time) (float64, error) { return f.monthly, nil }

func TestCheckCapsStrictGreaterThan(t *testing.T) {
	g := Governor{MaxUSDPerDay: 10, MaxUSDPerMonth: 100}

	// Exactly at the cap is allowed (strict >, not >=).
	if err := g.CheckCaps(context.Background(), fakeLedger{daily: 10, monthly: 50}, time.Now(), 0, 5); err != nil {
		t.Fatalf("expected no error at exact cap boundary, got %v", err)
	}

	// Over the cap by any amount is rejected.
	if err := g.CheckCaps(context.Background(), fakeLedger{daily: 10.01, monthly: 50}, time.Now(), 0, 5); err == nil {
		t.Fatal("expected CAP_DAILY_BUDGET_EXCEEDED")
	}
}

func TestCheckCapsJobCap(t *testing.T) {
	g := Governor{MaxUSDPerDay: 1000, MaxUSDPerMonth: 1000}
	err := g.CheckCaps(context.Background(), fakeLedger{}, time.Now(), 3.1, 3.0)
	if err == nil {
		t.Fatal("expected CAP_COST_EXCEEDED")
	}
}
