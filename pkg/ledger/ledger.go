package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/accrual"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// ErrNoAccess is returned both for unknown loans and for loans recorded by
// another owner, so callers cannot probe for existence.
var ErrNoAccess = errors.New("loan not found")

var errWrongOwner = errors.New("loan belongs to another owner")

// Ledger applies top-up and top-down events to loans and keeps their snapshots.
type Ledger struct {
	storage    store.Storage
	calculator accrual.Calculator
	now        func() time.Time
	log        logrus.FieldLogger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the source of the reference instant used for recomputation.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger. Defaults to logrus's standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Ledger) { l.log = log }
}

// WithRateModel replaces the daily rate model used when recomputing.
func WithRateModel(rate accrual.RateModel) Option {
	return func(l *Ledger) { l.calculator = accrual.Calculator{Rate: rate} }
}

// NewLedger creates a new Ledger with a given Storage implementation.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		storage:    s,
		calculator: accrual.Calculator{Rate: accrual.ThirtyDayMonth},
		now:        time.Now,
		log:        logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CreateLoan originates a loan recorded by ownerID for the given customer.
func (l *Ledger) CreateLoan(ownerID, customerKey string, terms models.LoanTerms) (*models.Loan, error) {
	if ownerID == "" {
		return nil, models.NewValidationError("owner_id", "is required")
	}
	if customerKey == "" {
		return nil, models.NewValidationError("customer_key", "is required")
	}
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	if !terms.Compounding.Enabled {
		terms.Compounding.Frequency = ""
	}

	now := l.now()
	loan := &models.Loan{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		CustomerKey: customerKey,
		Terms:       terms,
		Snapshot: models.LoanSnapshot{
			AccruedInterest:    decimal.Zero,
			RemainingPrincipal: terms.Principal,
			TotalAmount:        terms.Principal,
			TopUpInterest:      decimal.Zero,
			TopUpTotal:         decimal.Zero,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := l.storage.CreateLoan(loan); err != nil {
		if errors.Is(err, store.ErrLoanExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to store loan: %w", err)
	}

	l.log.WithFields(logrus.Fields{"loan_id": loan.ID, "owner_id": ownerID}).
		Infof("Created loan of %s at %s%%", terms.Principal.StringFixed(2), terms.InterestRate.String())
	return loan, nil
}

// GetLoan retrieves a loan recorded by ownerID.
func (l *Ledger) GetLoan(id uuid.UUID, ownerID string) (*models.Loan, error) {
	return l.loadOwned(id, ownerID)
}

// ListLoans retrieves every loan recorded by ownerID.
func (l *Ledger) ListLoans(ownerID string) ([]*models.Loan, error) {
	loans, err := l.storage.GetLoansByOwner(ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	return loans, nil
}

// History returns the loan's top-ups and top-downs in insertion order.
func (l *Ledger) History(id uuid.UUID, ownerID string) ([]models.TopUpEvent, []models.TopDownEvent, error) {
	loan, err := l.loadOwned(id, ownerID)
	if err != nil {
		return nil, nil, err
	}
	return loan.Ledger.ListTopUps(), loan.Ledger.ListTopDowns(), nil
}

// DeleteLoan deletes a loan and its history.
func (l *Ledger) DeleteLoan(id uuid.UUID, ownerID string) error {
	if _, err := l.loadOwned(id, ownerID); err != nil {
		return err
	}
	if err := l.storage.DeleteLoan(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoAccess
		}
		return fmt.Errorf("failed to delete loan: %w", err)
	}
	return nil
}

// OnTopUp records additional principal. The snapshot is returned unchanged;
// only top-downs and explicit recomputes refresh it.
func (l *Ledger) OnTopUp(id uuid.UUID, ownerID string, event models.TopUpEvent) (*models.Loan, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	loan, err := l.loadOwned(id, ownerID)
	if err != nil {
		return nil, err
	}
	if err := loan.Ledger.AppendTopUp(event); err != nil {
		return nil, err
	}

	if err := l.storage.AppendTopUp(loan, event); err != nil {
		return nil, l.storeErr("failed to store top-up", err)
	}

	l.log.WithFields(logrus.Fields{"loan_id": id, "amount": event.Amount.StringFixed(2)}).Info("Recorded top-up")
	return loan, nil
}

// OnTopDown records a partial repayment and recomputes the snapshot from the
// original principal and the full ledger.
func (l *Ledger) OnTopDown(id uuid.UUID, ownerID string, event models.TopDownEvent) (*models.Loan, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	loan, err := l.loadOwned(id, ownerID)
	if err != nil {
		return nil, err
	}
	if err := loan.Ledger.AppendTopDown(event); err != nil {
		return nil, err
	}
	l.recompute(loan)

	if err := l.storage.AppendTopDown(loan, event); err != nil {
		return nil, l.storeErr("failed to store top-down", err)
	}

	l.log.WithFields(logrus.Fields{"loan_id": id, "amount": event.Amount.StringFixed(2)}).
		Infof("Recorded top-down (Remaining: %s, Accrued: %s)",
			loan.Snapshot.RemainingPrincipal.StringFixed(2), loan.Snapshot.AccruedInterest.StringFixed(2))
	return loan, nil
}

// Recompute refreshes the snapshot of a single loan as of now.
func (l *Ledger) Recompute(id uuid.UUID, ownerID string) (*models.Loan, error) {
	loan, err := l.loadOwned(id, ownerID)
	if err != nil {
		return nil, err
	}
	l.recompute(loan)
	if err := l.storage.UpdateSnapshot(loan); err != nil {
		return nil, l.storeErr("failed to update loan snapshot", err)
	}
	return loan, nil
}

// RefreshAccruals recomputes every loan's snapshot. Loans that fail to save are
// logged and skipped; the number refreshed is returned.
func (l *Ledger) RefreshAccruals() (int, error) {
	loans, err := l.storage.GetAllLoans()
	if err != nil {
		return 0, fmt.Errorf("failed to get loans for accrual refresh: %w", err)
	}

	refreshed := 0
	for _, loan := range loans {
		l.recompute(loan)
		if err := l.storage.UpdateSnapshot(loan); err != nil {
			l.log.WithField("loan_id", loan.ID).Errorf("Error updating loan during accrual refresh: %v", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// recompute is the single routine shared by top-down, explicit recompute and
// the scheduled refresh.
func (l *Ledger) recompute(loan *models.Loan) {
	now := l.now()
	result := l.calculator.Compute(
		loan.Terms.Principal,
		loan.Terms.InterestRate,
		loan.Terms.StartDate,
		loan.Ledger.ListTopUps(),
		loan.Ledger.ListTopDowns(),
		now,
	)
	loan.Snapshot.AccruedInterest = result.AccruedInterest
	loan.Snapshot.RemainingPrincipal = result.RemainingPrincipal
	loan.Snapshot.LastUpdated = now
	loan.UpdatedAt = now
}

func (l *Ledger) loadOwned(id uuid.UUID, ownerID string) (*models.Loan, error) {
	loan, err := l.storage.GetLoan(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			l.log.WithField("loan_id", id).Debug("Loan lookup missed")
			return nil, ErrNoAccess
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if loan.OwnerID != ownerID {
		l.log.WithFields(logrus.Fields{"loan_id": id, "owner_id": ownerID}).Debug(errWrongOwner)
		return nil, ErrNoAccess
	}
	return loan, nil
}

func (l *Ledger) storeErr(msg string, err error) error {
	switch {
	case errors.Is(err, store.ErrConflict):
		return err
	case errors.Is(err, store.ErrNotFound):
		return ErrNoAccess
	}
	return fmt.Errorf("%s: %w", msg, err)
}
