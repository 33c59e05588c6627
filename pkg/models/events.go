package models

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TopUpEvent advances additional principal after origination.
type TopUpEvent struct {
	Amount       decimal.Decimal     `json:"amount"`
	Date         time.Time           `json:"date"`
	Method       string              `json:"method"`
	InterestRate decimal.NullDecimal `json:"interest_rate"` // Optional per-event override, annual percent
}

// Validate rejects non-positive amounts and missing dates.
func (e TopUpEvent) Validate() error {
	return validateEvent(e.Amount, e.Date)
}

// TopDownEvent is a partial repayment of outstanding principal.
type TopDownEvent struct {
	Amount decimal.Decimal `json:"amount"`
	Date   time.Time       `json:"date"`
	Method string          `json:"method"`
}

// Validate rejects non-positive amounts and missing dates.
func (e TopDownEvent) Validate() error {
	return validateEvent(e.Amount, e.Date)
}

func validateEvent(amount decimal.Decimal, date time.Time) error {
	if !amount.IsPositive() {
		return NewValidationError("amount", "must be greater than zero")
	}
	if date.IsZero() {
		return NewValidationError("date", "is required")
	}
	return nil
}

// EventLedger is the append-only history of top-ups and top-downs on a loan.
// Events keep their insertion order; nothing re-sorts them by date.
type EventLedger struct {
	TopUps   []TopUpEvent   `json:"top_ups"`
	TopDowns []TopDownEvent `json:"top_downs"`
}

// AppendTopUp validates and appends a top-up. Nothing is appended on error.
func (l *EventLedger) AppendTopUp(e TopUpEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.TopUps = append(l.TopUps, e)
	return nil
}

// AppendTopDown validates and appends a top-down. Nothing is appended on error.
func (l *EventLedger) AppendTopDown(e TopDownEvent) error {
	if err := e.Validate(); err != nil {
		return err
	}
	l.TopDowns = append(l.TopDowns, e)
	return nil
}

// ListTopUps returns a copy of the top-ups in insertion order.
func (l *EventLedger) ListTopUps() []TopUpEvent {
	out := make([]TopUpEvent, len(l.TopUps))
	copy(out, l.TopUps)
	return out
}

// ListTopDowns returns a copy of the top-downs in insertion order.
func (l *EventLedger) ListTopDowns() []TopDownEvent {
	out := make([]TopDownEvent, len(l.TopDowns))
	copy(out, l.TopDowns)
	return out
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02"}

// ParseDate accepts a calendar date (2006-01-02) or an RFC 3339 timestamp.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, NewValidationError("date", "is required")
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, NewValidationError("date", "cannot parse "+s)
}
