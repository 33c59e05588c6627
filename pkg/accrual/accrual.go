// Package accrual computes accrued interest and remaining principal for a loan
// by replaying its top-up and top-down history against the origination terms.
package accrual

import (
	"time"

	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/shopspring/decimal"
)

var (
	hundred           = decimal.NewFromInt(100)
	daysInRateMonth   = decimal.NewFromInt(30)
	day               = 24 * time.Hour
	defaultCalculator = Calculator{Rate: ThirtyDayMonth}
)

// RateModel converts an annual percentage rate into a per-day fraction.
type RateModel func(annualRatePercent decimal.Decimal) decimal.Decimal

// ThirtyDayMonth divides the annual percentage by 100 and then by 30.
// This is not a calendar-accurate rate; existing balances depend on it.
func ThirtyDayMonth(annualRatePercent decimal.Decimal) decimal.Decimal {
	return annualRatePercent.Div(hundred).Div(daysInRateMonth)
}

// Result is the outcome of a replay.
type Result struct {
	AccruedInterest    decimal.Decimal
	RemainingPrincipal decimal.Decimal
}

// Calculator replays a ledger with a given rate model.
type Calculator struct {
	Rate RateModel
}

// ComputeAccrual replays the ledger with the ThirtyDayMonth rate model.
func ComputeAccrual(principal, annualRatePercent decimal.Decimal, startDate time.Time,
	topUps []models.TopUpEvent, topDowns []models.TopDownEvent, asOf time.Time) Result {
	return defaultCalculator.Compute(principal, annualRatePercent, startDate, topUps, topDowns, asOf)
}

// Compute replays top-ups then top-downs in ledger order, then charges the
// resulting principal for the whole period since startDate.
//
// Top-ups less than a full day old at asOf contribute neither interest nor
// principal. The final term uses the post-adjustment principal over the full
// elapsed window rather than integrating each sub-period.
func (c Calculator) Compute(principal, annualRatePercent decimal.Decimal, startDate time.Time,
	topUps []models.TopUpEvent, topDowns []models.TopDownEvent, asOf time.Time) Result {
	rate := c.Rate
	if rate == nil {
		rate = ThirtyDayMonth
	}
	dailyRate := rate(annualRatePercent)

	remaining := principal
	accrued := decimal.Zero

	for _, e := range topUps {
		if e.Date.After(asOf) {
			continue
		}
		days := DaysBetween(e.Date, asOf)
		if days > 0 {
			accrued = accrued.Add(e.Amount.Mul(dailyRate).Mul(decimal.NewFromInt(days)))
			remaining = remaining.Add(e.Amount)
		}
	}

	for _, e := range topDowns {
		remaining = remaining.Sub(e.Amount)
		if remaining.IsNegative() {
			remaining = decimal.Zero
		}
	}

	if initialDays := DaysBetween(startDate, asOf); initialDays > 0 {
		accrued = accrued.Add(remaining.Mul(dailyRate).Mul(decimal.NewFromInt(initialDays)))
	}

	return Result{AccruedInterest: accrued, RemainingPrincipal: remaining}
}

// DaysBetween returns floor((to - from) / 24h). It is negative when to precedes from.
func DaysBetween(from, to time.Time) int64 {
	d := to.Sub(from)
	days := int64(d / day)
	if d%day < 0 {
		days--
	}
	return days
}
