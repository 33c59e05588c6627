package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/mcclellann/loanledger/pkg/models"
)

const loanColumns = `id, owner_id, customer_key, loan_type, method, principal, interest_rate, interest_frequency,
	compound_enabled, compound_frequency, start_date, accrued_interest, remaining_principal, total_amount,
	top_up_interest, top_up_total, snapshot_updated_at, version, created_at, updated_at`

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	_, err = db.Exec("PRAGMA foreign_keys = ON;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	_, err = db.Exec("PRAGMA journal_mode = WAL;")
	if err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// Decimal fields are TEXT so no precision is lost. Events are keyed by an
// autoincrement seq, which is the ledger's insertion order.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		customer_key TEXT NOT NULL UNIQUE,
		loan_type TEXT NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		principal TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		interest_frequency TEXT NOT NULL,
		compound_enabled INTEGER NOT NULL DEFAULT 0,
		compound_frequency TEXT NOT NULL DEFAULT '',
		start_date DATETIME NOT NULL,
		accrued_interest TEXT NOT NULL DEFAULT '0',
		remaining_principal TEXT NOT NULL DEFAULT '0',
		total_amount TEXT NOT NULL DEFAULT '0',
		top_up_interest TEXT NOT NULL DEFAULT '0',
		top_up_total TEXT NOT NULL DEFAULT '0',
		snapshot_updated_at DATETIME,
		version INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_loans_owner ON loans(owner_id);
	CREATE TABLE IF NOT EXISTS top_ups (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		interest_rate TEXT,
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	CREATE TABLE IF NOT EXISTS top_downs (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		loan_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		date DATETIME NOT NULL,
		method TEXT NOT NULL DEFAULT '',
		FOREIGN KEY(loan_id) REFERENCES loans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// isUniqueViolation checks if the error is a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// CreateLoan inserts a new loan into the database.
func (s *SQLiteStore) CreateLoan(loan *models.Loan) error {
	_, err := s.db.Exec(
		`INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.OwnerID, loan.CustomerKey, loan.Terms.LoanType, loan.Terms.Method,
		loan.Terms.Principal, loan.Terms.InterestRate, loan.Terms.InterestFrequency,
		loan.Terms.Compounding.Enabled, loan.Terms.Compounding.Frequency, loan.Terms.StartDate,
		loan.Snapshot.AccruedInterest, loan.Snapshot.RemainingPrincipal, loan.Snapshot.TotalAmount,
		loan.Snapshot.TopUpInterest, loan.Snapshot.TopUpTotal, nullTime(loan.Snapshot.LastUpdated),
		loan.Version, loan.CreatedAt, loan.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrLoanExists
		}
		return fmt.Errorf("failed to create loan: %w", err)
	}
	return nil
}

// GetLoan retrieves a loan and its event ledger by ID.
func (s *SQLiteStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	row := s.db.QueryRow(`SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String())
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	if err := s.loadLedger(loan); err != nil {
		return nil, err
	}
	return loan, nil
}

// GetLoansByOwner retrieves every loan recorded by ownerID, oldest first.
func (s *SQLiteStore) GetLoansByOwner(ownerID string) ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT `+loanColumns+` FROM loans WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get loans for owner %s: %w", ownerID, err)
	}
	return s.collectLoans(rows)
}

// GetAllLoans retrieves all loans.
func (s *SQLiteStore) GetAllLoans() ([]*models.Loan, error) {
	rows, err := s.db.Query(`SELECT ` + loanColumns + ` FROM loans ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get all loans: %w", err)
	}
	return s.collectLoans(rows)
}

// collectLoans scans and closes rows before loading ledgers, so only one
// statement is open at a time.
func (s *SQLiteStore) collectLoans(rows *sql.Rows) ([]*models.Loan, error) {
	loans, err := scanLoans(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	for _, loan := range loans {
		if err := s.loadLedger(loan); err != nil {
			return nil, err
		}
	}
	return loans, nil
}

// DeleteLoan removes a loan and its events from the database within a transaction.
func (s *SQLiteStore) DeleteLoan(id uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"top_ups", "top_downs"} {
		if _, err := tx.Exec(`DELETE FROM `+table+` WHERE loan_id = ?`, id.String()); err != nil {
			return fmt.Errorf("failed to delete associated %s: %w", table, err)
		}
	}

	result, err := tx.Exec(`DELETE FROM loans WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete loan: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	return tx.Commit()
}

// AppendTopUp inserts the top-up and writes the loan snapshot atomically.
func (s *SQLiteStore) AppendTopUp(loan *models.Loan, event models.TopUpEvent) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO top_ups (loan_id, amount, date, method, interest_rate) VALUES (?, ?, ?, ?, ?)`,
			loan.ID.String(), event.Amount, event.Date, event.Method, event.InterestRate,
		)
		if err != nil {
			return fmt.Errorf("failed to store top-up: %w", err)
		}
		return writeSnapshot(tx, loan)
	}, loan)
}

// AppendTopDown inserts the top-down and writes the loan snapshot atomically.
func (s *SQLiteStore) AppendTopDown(loan *models.Loan, event models.TopDownEvent) error {
	return s.withTx(func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`INSERT INTO top_downs (loan_id, amount, date, method) VALUES (?, ?, ?, ?)`,
			loan.ID.String(), event.Amount, event.Date, event.Method,
		)
		if err != nil {
			return fmt.Errorf("failed to store top-down: %w", err)
		}
		return writeSnapshot(tx, loan)
	}, loan)
}

// UpdateSnapshot writes the loan's derived figures.
func (s *SQLiteStore) UpdateSnapshot(loan *models.Loan) error {
	return s.withTx(func(tx *sql.Tx) error {
		return writeSnapshot(tx, loan)
	}, loan)
}

// withTx runs fn in a transaction and advances loan.Version once it commits.
func (s *SQLiteStore) withTx(fn func(tx *sql.Tx) error, loan *models.Loan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	loan.Version++
	return nil
}

func writeSnapshot(tx *sql.Tx, loan *models.Loan) error {
	result, err := tx.Exec(
		`UPDATE loans SET accrued_interest = ?, remaining_principal = ?, total_amount = ?, top_up_interest = ?,
		top_up_total = ?, snapshot_updated_at = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		loan.Snapshot.AccruedInterest, loan.Snapshot.RemainingPrincipal, loan.Snapshot.TotalAmount,
		loan.Snapshot.TopUpInterest, loan.Snapshot.TopUpTotal, nullTime(loan.Snapshot.LastUpdated),
		loan.UpdatedAt, loan.ID.String(), loan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update loan: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM loans WHERE id = ?`, loan.ID.String()).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check loan existence: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

// loadLedger reads both event sequences in insertion order.
func (s *SQLiteStore) loadLedger(loan *models.Loan) error {
	rows, err := s.db.Query(`SELECT amount, date, method, interest_rate FROM top_ups WHERE loan_id = ? ORDER BY seq ASC`, loan.ID.String())
	if err != nil {
		return fmt.Errorf("failed to get top-ups for loan %s: %w", loan.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.TopUpEvent
		if err := rows.Scan(&e.Amount, &e.Date, &e.Method, &e.InterestRate); err != nil {
			return fmt.Errorf("failed to scan top-up row: %w", err)
		}
		loan.Ledger.TopUps = append(loan.Ledger.TopUps, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during rows iteration for top-ups: %w", err)
	}
	rows.Close()

	rows, err = s.db.Query(`SELECT amount, date, method FROM top_downs WHERE loan_id = ? ORDER BY seq ASC`, loan.ID.String())
	if err != nil {
		return fmt.Errorf("failed to get top-downs for loan %s: %w", loan.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.TopDownEvent
		if err := rows.Scan(&e.Amount, &e.Date, &e.Method); err != nil {
			return fmt.Errorf("failed to scan top-down row: %w", err)
		}
		loan.Ledger.TopDowns = append(loan.Ledger.TopDowns, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error during rows iteration for top-downs: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLoan(row rowScanner) (*models.Loan, error) {
	var loan models.Loan
	var loanIDStr string
	var snapshotUpdated sql.NullTime
	err := row.Scan(&loanIDStr, &loan.OwnerID, &loan.CustomerKey, &loan.Terms.LoanType, &loan.Terms.Method,
		&loan.Terms.Principal, &loan.Terms.InterestRate, &loan.Terms.InterestFrequency,
		&loan.Terms.Compounding.Enabled, &loan.Terms.Compounding.Frequency, &loan.Terms.StartDate,
		&loan.Snapshot.AccruedInterest, &loan.Snapshot.RemainingPrincipal, &loan.Snapshot.TotalAmount,
		&loan.Snapshot.TopUpInterest, &loan.Snapshot.TopUpTotal, &snapshotUpdated,
		&loan.Version, &loan.CreatedAt, &loan.UpdatedAt)
	if err != nil {
		return nil, err
	}
	loan.ID, err = uuid.Parse(loanIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid loan id %q: %w", loanIDStr, err)
	}
	if snapshotUpdated.Valid {
		loan.Snapshot.LastUpdated = snapshotUpdated.Time
	}
	return &loan, nil
}

func scanLoans(rows *sql.Rows) ([]*models.Loan, error) {
	var loans []*models.Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan row: %w", err)
		}
		loans = append(loans, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return loans, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
