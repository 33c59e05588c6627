// Package analytics derives read-only summaries from persisted loans.
// Nothing here mutates a loan.
package analytics

import (
	"time"

	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/shopspring/decimal"
)

// Totals sums an owner's loan figures.
type Totals struct {
	OwnerID               string          `json:"owner_id"`
	TotalAmount           decimal.Decimal `json:"total_amount"`
	AccruedInterest       decimal.Decimal `json:"accrued_interest"`
	TopUpInterest         decimal.Decimal `json:"top_up_interest"`
	TopUpTotal            decimal.Decimal `json:"top_up_total"`
	TotalLoanWithInterest decimal.Decimal `json:"total_loan_with_interest"`
	YouOwe                decimal.Decimal `json:"you_owe"`
}

// AggregateTotals sums the snapshot figures of every loan recorded by ownerID.
// TotalLoanWithInterest is the plain sum of the four snapshot sums; YouOwe sums
// the origination principal of "You Owe" loans. Loans of other owners are ignored.
func AggregateTotals(ownerID string, loans []*models.Loan) Totals {
	t := Totals{
		OwnerID:         ownerID,
		TotalAmount:     decimal.Zero,
		AccruedInterest: decimal.Zero,
		TopUpInterest:   decimal.Zero,
		TopUpTotal:      decimal.Zero,
		YouOwe:          decimal.Zero,
	}
	for _, loan := range loans {
		if loan == nil || loan.OwnerID != ownerID {
			continue
		}
		s := loan.Snapshot
		t.TotalAmount = t.TotalAmount.Add(s.TotalAmount)
		t.AccruedInterest = t.AccruedInterest.Add(s.AccruedInterest)
		t.TopUpInterest = t.TopUpInterest.Add(s.TopUpInterest)
		t.TopUpTotal = t.TopUpTotal.Add(s.TopUpTotal)
		if loan.IsYouOwe() {
			t.YouOwe = t.YouOwe.Add(loan.Terms.Principal)
		}
	}
	t.TotalLoanWithInterest = t.TotalAmount.Add(t.AccruedInterest).Add(t.TopUpInterest).Add(t.TopUpTotal)
	return t
}

// Latest describes the most recently created loan of an owner.
type Latest struct {
	Method string          `json:"method"`
	Amount decimal.Decimal `json:"amount"`
	Date   time.Time       `json:"date"`
}

// LatestLoan returns the owner's most recently created loan, and false if there is none.
func LatestLoan(ownerID string, loans []*models.Loan) (Latest, bool) {
	var latest *models.Loan
	for _, loan := range loans {
		if loan == nil || loan.OwnerID != ownerID {
			continue
		}
		if latest == nil || loan.CreatedAt.After(latest.CreatedAt) {
			latest = loan
		}
	}
	if latest == nil {
		return Latest{}, false
	}
	return Latest{Method: latest.Terms.Method, Amount: latest.Terms.Principal, Date: latest.CreatedAt}, true
}
