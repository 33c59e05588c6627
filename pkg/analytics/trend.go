package analytics

import (
	"sort"
	"strings"
	"time"

	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/shopspring/decimal"
)

// Range selects the window a trend is computed over.
type Range string

const (
	RangeHour  Range = "1H"
	RangeDay   Range = "1D"
	RangeWeek  Range = "1W"
	RangeMonth Range = "1M"
	RangeYear  Range = "1Y"
	RangeAll   Range = "ALL"
)

const bucketLayout = "2006-01-02"

var hundred = decimal.NewFromInt(100)

// ParseRange maps a query value to a Range. Anything unrecognised is all-time.
func ParseRange(s string) Range {
	switch r := Range(strings.ToUpper(strings.TrimSpace(s))); r {
	case RangeHour, RangeDay, RangeWeek, RangeMonth, RangeYear:
		return r
	}
	return RangeAll
}

// Bucket is the amount originated on one UTC calendar day.
type Bucket struct {
	Date       string          `json:"date"`
	LoanAmount decimal.Decimal `json:"loan_amount"`
}

// Trend compares origination amounts in a window against all time and
// against the preceding window.
type Trend struct {
	Range              Range           `json:"range"`
	TrendData          []Bucket        `json:"trend_data"`
	TotalLoans         decimal.Decimal `json:"total_loans"`
	RangeLoans         decimal.Decimal `json:"range_loans"`
	PreviousLoans      decimal.Decimal `json:"previous_loans"`
	PercentageIncrease decimal.Decimal `json:"percentage_increase"`
}

type window struct {
	start     time.Time
	prevStart time.Time
	prevEnd   time.Time
	hasPrev   bool
}

func (w window) contains(t time.Time) bool {
	return !t.Before(w.start)
}

func (w window) previousContains(t time.Time) bool {
	return w.hasPrev && !t.Before(w.prevStart) && t.Before(w.prevEnd)
}

// windowFor returns the current and previous windows. Day, month and year
// windows start on calendar boundaries in now's location.
func windowFor(r Range, now time.Time) window {
	y, m, d := now.Date()
	loc := now.Location()

	switch r {
	case RangeHour:
		start := now.Add(-time.Hour)
		return window{start: start, prevStart: now.Add(-2 * time.Hour), prevEnd: start, hasPrev: true}
	case RangeDay:
		start := time.Date(y, m, d, 0, 0, 0, 0, loc)
		return window{start: start, prevStart: start.Add(-24 * time.Hour), prevEnd: start, hasPrev: true}
	case RangeWeek:
		start := now.Add(-7 * 24 * time.Hour)
		return window{start: start, prevStart: now.Add(-14 * 24 * time.Hour), prevEnd: start, hasPrev: true}
	case RangeMonth:
		start := time.Date(y, m, 1, 0, 0, 0, 0, loc)
		return window{start: start, prevStart: time.Date(y, m-1, 1, 0, 0, 0, 0, loc), prevEnd: start, hasPrev: true}
	case RangeYear:
		start := time.Date(y, time.January, 1, 0, 0, 0, 0, loc)
		return window{start: start, prevStart: time.Date(y-1, time.January, 1, 0, 0, 0, 0, loc), prevEnd: start, hasPrev: true}
	}
	return window{}
}

// ComputeTrend buckets the origination amounts of ownerID's loans by day
// within the selected range. PercentageIncrease is the range total as a
// percentage of the all-time total, and zero when nothing was ever originated.
func ComputeTrend(ownerID string, r Range, loans []*models.Loan, now time.Time) Trend {
	w := windowFor(r, now)
	trend := Trend{
		Range:              r,
		TrendData:          []Bucket{},
		TotalLoans:         decimal.Zero,
		RangeLoans:         decimal.Zero,
		PreviousLoans:      decimal.Zero,
		PercentageIncrease: decimal.Zero,
	}

	byDay := make(map[string]decimal.Decimal)
	for _, loan := range loans {
		if loan == nil || loan.OwnerID != ownerID {
			continue
		}
		amount := loan.Terms.Principal
		trend.TotalLoans = trend.TotalLoans.Add(amount)

		if w.contains(loan.CreatedAt) {
			trend.RangeLoans = trend.RangeLoans.Add(amount)
			key := loan.CreatedAt.UTC().Format(bucketLayout)
			byDay[key] = byDay[key].Add(amount)
		}
		if w.previousContains(loan.CreatedAt) {
			trend.PreviousLoans = trend.PreviousLoans.Add(amount)
		}
	}

	for date, amount := range byDay {
		trend.TrendData = append(trend.TrendData, Bucket{Date: date, LoanAmount: amount})
	}
	sort.Slice(trend.TrendData, func(i, j int) bool {
		return trend.TrendData[i].Date < trend.TrendData[j].Date
	})

	if trend.TotalLoans.IsPositive() {
		trend.PercentageIncrease = trend.RangeLoans.Div(trend.TotalLoans).Mul(hundred)
	}
	return trend
}
