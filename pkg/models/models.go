package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// LoanTypeYouOwe tags loans where the recorder owes the counterparty.
const (
	LoanTypeYouOwe    = "You Owe"
	LoanTypePeopleOwe = "People Owe"
)

// Compounding describes whether and how often interest compounds.
type Compounding struct {
	Enabled   bool   `json:"enabled"`
	Frequency string `json:"frequency,omitempty"` // Only meaningful when Enabled
}

// LoanTerms are fixed at origination and never mutated afterwards.
type LoanTerms struct {
	LoanType          string          `json:"loan_type"`
	Method            string          `json:"method"`
	Principal         decimal.Decimal `json:"principal"`
	InterestRate      decimal.Decimal `json:"interest_rate"` // Annual, in percent
	InterestFrequency string          `json:"interest_frequency"`
	Compounding       Compounding     `json:"compounding"`
	StartDate         time.Time       `json:"start_date"`
}

// Validate checks the fields required to originate a loan.
func (t LoanTerms) Validate() error {
	switch {
	case t.LoanType == "":
		return NewValidationError("loan_type", "is required")
	case !t.Principal.IsPositive():
		return NewValidationError("principal", "must be greater than zero")
	case t.InterestRate.IsNegative():
		return NewValidationError("interest_rate", "must not be negative")
	case t.InterestFrequency == "":
		return NewValidationError("interest_frequency", "is required")
	case t.StartDate.IsZero():
		return NewValidationError("start_date", "is required")
	}
	return nil
}

// LoanSnapshot holds the derived figures persisted alongside a loan.
type LoanSnapshot struct {
	AccruedInterest    decimal.Decimal `json:"accrued_interest"`
	RemainingPrincipal decimal.Decimal `json:"remaining_principal"`
	TotalAmount        decimal.Decimal `json:"total_amount"`
	TopUpInterest      decimal.Decimal `json:"top_up_interest"`
	TopUpTotal         decimal.Decimal `json:"top_up_total"`
	LastUpdated        time.Time       `json:"last_updated"`
}

type Loan struct {
	ID          uuid.UUID    `json:"id"`
	OwnerID     string       `json:"owner_id"`     // The user who recorded the loan
	CustomerKey string       `json:"customer_key"` // Link to external customer directory, one loan per customer
	Terms       LoanTerms    `json:"terms"`
	Ledger      EventLedger  `json:"ledger"`
	Snapshot    LoanSnapshot `json:"snapshot"`
	Version     int64        `json:"version"` // Bumped by the store on every write
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// IsYouOwe reports whether the loan is owed by the recorder to the counterparty.
func (l *Loan) IsYouOwe() bool {
	return l.Terms.LoanType == LoanTypeYouOwe
}
