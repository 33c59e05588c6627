package store

import (
	"errors"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/models"
)

var (
	ErrNotFound   = errors.New("loan not found")
	ErrLoanExists = errors.New("loan already exists for this customer")
	// ErrConflict means the loan was written by someone else since it was read.
	ErrConflict = errors.New("loan was modified concurrently")
)

// Storage defines the interface for persisting loans, their event ledgers and snapshots.
//
// Writes that take a loan compare loan.Version with the stored version and fail
// with ErrConflict on mismatch; on success loan.Version is advanced. This is the
// only serialization applied to mutations of a single loan.
type Storage interface {
	CreateLoan(loan *models.Loan) error
	GetLoan(id uuid.UUID) (*models.Loan, error)
	GetLoansByOwner(ownerID string) ([]*models.Loan, error)
	GetAllLoans() ([]*models.Loan, error)
	DeleteLoan(id uuid.UUID) error

	// AppendTopUp stores the event and the loan snapshot in one transaction.
	AppendTopUp(loan *models.Loan, event models.TopUpEvent) error
	// AppendTopDown stores the event and the loan snapshot in one transaction.
	AppendTopDown(loan *models.Loan, event models.TopDownEvent) error
	// UpdateSnapshot persists the loan's snapshot without touching its ledger.
	UpdateSnapshot(loan *models.Loan) error

	Close() error
}
