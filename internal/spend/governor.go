// Package spend enforces the daily, monthly, and per-job USD caps that
// gate whether a stage runner is allowed to keep spending on a job.
package spend

import (
	"context"
	"fmt"
	"time"
)

// Ledger reports cumulative spend for cap checks. The store package
// implements this against the cost_ledger table.
type Ledger interface {
	DailyCost(ctx context.Context, day time.Time) (float64, error)
	MonthlyCost(ctx context.Context, month time.Time) (float64, error)
}

// Governor checks recorded spend against the policy's daily/monthly
// caps and a job's own max_usd cap.
type Governor struct {
	MaxUSDPerDay   float64
	MaxUSDPerMonth float64
}

// CheckCaps is called after a spend is recorded, mirroring the original
// system's post-hoc check: it looks at cumulative totals as they stand
// right now and rejects only once a cap has actually been exceeded
// (strict >, never >=).
func (g Governor) CheckCaps(ctx context.Context, ledger Ledger, now time.Time, jobSpentUSD, jobMaxUSD float64) error {
	daily, err := ledger.DailyCost(ctx, now)
	if err != nil {
		return err
	}
	if daily > g.MaxUSDPerDay {
		return fmt.Errorf("CAP_DAILY_BUDGET_EXCEEDED")
	}

	monthly, err := ledger.MonthlyCost(ctx, now)
	if err != nil {
		return err
	}
	if monthly > g.MaxUSDPerMonth {
		return fmt.Errorf("CAP_MONTHLY_BUDGET_EXCEEDED")
	}

	if jobSpentUSD > jobMaxUSD {
		return fmt.Errorf("CAP_COST_EXCEEDED")
	}
	return nil
}

// DayBounds returns the UTC calendar-day window containing t.
func DayBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// MonthBounds returns the UTC calendar-month window containing t.
func MonthBounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
