package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockStore is a simple in-memory implementation of the Storage interface for testing.
// Reads hand out copies, like a real database would.
type MockStore struct {
	loans          map[uuid.UUID]*models.Loan
	topUpWrites    int
	topDownWrites  int
	snapshotWrites int
	ForceConflict  bool
}

func NewMockStore() *MockStore {
	return &MockStore{loans: make(map[uuid.UUID]*models.Loan)}
}

func cloneLoan(l *models.Loan) *models.Loan {
	c := *l
	c.Ledger = models.EventLedger{
		TopUps:   l.Ledger.ListTopUps(),
		TopDowns: l.Ledger.ListTopDowns(),
	}
	return &c
}

func (m *MockStore) CreateLoan(loan *models.Loan) error {
	for _, existing := range m.loans {
		if existing.CustomerKey == loan.CustomerKey {
			return store.ErrLoanExists
		}
	}
	m.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (m *MockStore) GetLoan(id uuid.UUID) (*models.Loan, error) {
	loan, ok := m.loans[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneLoan(loan), nil
}

func (m *MockStore) GetLoansByOwner(ownerID string) ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for _, l := range m.loans {
		if l.OwnerID == ownerID {
			loans = append(loans, cloneLoan(l))
		}
	}
	return loans, nil
}

func (m *MockStore) GetAllLoans() ([]*models.Loan, error) {
	loans := []*models.Loan{}
	for _, l := range m.loans {
		loans = append(loans, cloneLoan(l))
	}
	return loans, nil
}

func (m *MockStore) DeleteLoan(id uuid.UUID) error {
	if _, ok := m.loans[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.loans, id)
	return nil
}

func (m *MockStore) write(loan *models.Loan) error {
	stored, ok := m.loans[loan.ID]
	if !ok {
		return store.ErrNotFound
	}
	if m.ForceConflict || stored.Version != loan.Version {
		return store.ErrConflict
	}
	loan.Version++
	m.loans[loan.ID] = cloneLoan(loan)
	return nil
}

func (m *MockStore) AppendTopUp(loan *models.Loan, event models.TopUpEvent) error {
	if err := m.write(loan); err != nil {
		return err
	}
	m.topUpWrites++
	return nil
}

func (m *MockStore) AppendTopDown(loan *models.Loan, event models.TopDownEvent) error {
	if err := m.write(loan); err != nil {
		return err
	}
	m.topDownWrites++
	return nil
}

func (m *MockStore) UpdateSnapshot(loan *models.Loan) error {
	if err := m.write(loan); err != nil {
		return err
	}
	m.snapshotWrites++
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

var day0 = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func dayN(n int) time.Time {
	return day0.AddDate(0, 0, n)
}

// clock is a settable reference instant.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLedger(t *testing.T) (*Ledger, *MockStore, *clock, *test.Hook) {
	t.Helper()
	s := NewMockStore()
	c := &clock{t: day0}
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return NewLedger(s, WithClock(c.now), WithLogger(logger)), s, c, hook
}

func testTerms(principal int64, rate string) models.LoanTerms {
	return models.LoanTerms{
		LoanType:          models.LoanTypePeopleOwe,
		Method:            "cash",
		Principal:         decimal.NewFromInt(principal),
		InterestRate:      decimal.RequireFromString(rate),
		InterestFrequency: "monthly",
		StartDate:         day0,
	}
}

func TestCreateLoan(t *testing.T) {
	l, s, _, _ := newTestLedger(t)

	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "10"))
	require.NoError(t, err)

	assert.True(t, loan.Snapshot.RemainingPrincipal.Equal(decimal.NewFromInt(1000)))
	assert.True(t, loan.Snapshot.TotalAmount.Equal(decimal.NewFromInt(1000)))
	assert.True(t, loan.Snapshot.AccruedInterest.IsZero())
	assert.True(t, loan.CreatedAt.Equal(day0))
	assert.Len(t, s.loans, 1)
}

func TestCreateLoan_DropsFrequencyWhenNotCompounding(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	terms := testTerms(1000, "10")
	terms.Compounding = models.Compounding{Enabled: false, Frequency: "monthly"}

	loan, err := l.CreateLoan("user_1", "cust123", terms)
	require.NoError(t, err)
	assert.Empty(t, loan.Terms.Compounding.Frequency)
}

func TestCreateLoan_Rejections(t *testing.T) {
	l, s, _, _ := newTestLedger(t)

	_, err := l.CreateLoan("user_1", "cust123", testTerms(0, "10"))
	var verr *models.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "principal", verr.Field)

	_, err = l.CreateLoan("", "cust123", testTerms(100, "10"))
	require.True(t, errors.As(err, &verr))

	_, err = l.CreateLoan("user_1", "cust123", testTerms(100, "10"))
	require.NoError(t, err)
	_, err = l.CreateLoan("user_2", "cust123", testTerms(100, "10"))
	assert.ErrorIs(t, err, store.ErrLoanExists)
	assert.Len(t, s.loans, 1)
}

func TestOnTopUp_LeavesSnapshotUnchanged(t *testing.T) {
	l, s, c, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(10000, "12"))
	require.NoError(t, err)

	c.t = dayN(40)
	updated, err := l.OnTopUp(loan.ID, "user_1", models.TopUpEvent{Amount: decimal.NewFromInt(5000), Date: dayN(10), Method: "cash"})
	require.NoError(t, err)

	assert.True(t, updated.Snapshot.AccruedInterest.IsZero())
	assert.True(t, updated.Snapshot.RemainingPrincipal.Equal(decimal.NewFromInt(10000)))
	assert.True(t, updated.Snapshot.LastUpdated.IsZero())
	assert.Len(t, updated.Ledger.TopUps, 1)
	assert.Equal(t, 1, s.topUpWrites)

	stored, _ := s.GetLoan(loan.ID)
	assert.True(t, stored.Snapshot.AccruedInterest.IsZero())
	assert.Len(t, stored.Ledger.TopUps, 1)
}

func TestOnTopDown_RecomputesFromOriginalPrincipal(t *testing.T) {
	l, _, c, hook := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(10000, "12"))
	require.NoError(t, err)

	c.t = dayN(15)
	_, err = l.OnTopUp(loan.ID, "user_1", models.TopUpEvent{Amount: decimal.NewFromInt(5000), Date: dayN(10)})
	require.NoError(t, err)

	c.t = dayN(40)
	updated, err := l.OnTopDown(loan.ID, "user_1", models.TopDownEvent{Amount: decimal.NewFromInt(3000), Date: dayN(20)})
	require.NoError(t, err)

	// top-up 5000*0.004*30 = 600, base 12000*0.004*40 = 1920
	assert.True(t, updated.Snapshot.RemainingPrincipal.Equal(decimal.NewFromInt(12000)), "got %s", updated.Snapshot.RemainingPrincipal)
	assert.True(t, updated.Snapshot.AccruedInterest.Equal(decimal.NewFromInt(2520)), "got %s", updated.Snapshot.AccruedInterest)
	assert.True(t, updated.Snapshot.LastUpdated.Equal(dayN(40)))
	assert.Equal(t, "Recorded top-down (Remaining: 12000.00, Accrued: 2520.00)", hook.LastEntry().Message)

	// A second top-down replays from the original 10000, not from 12000.
	updated, err = l.OnTopDown(loan.ID, "user_1", models.TopDownEvent{Amount: decimal.NewFromInt(2000), Date: dayN(30)})
	require.NoError(t, err)
	assert.True(t, updated.Snapshot.RemainingPrincipal.Equal(decimal.NewFromInt(10000)), "got %s", updated.Snapshot.RemainingPrincipal)
	assert.True(t, updated.Snapshot.AccruedInterest.Equal(decimal.NewFromInt(2200)), "got %s", updated.Snapshot.AccruedInterest)
}

func TestOnTopDown_ClampsRemainingPrincipal(t *testing.T) {
	l, _, c, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	c.t = dayN(5)
	updated, err := l.OnTopDown(loan.ID, "user_1", models.TopDownEvent{Amount: decimal.NewFromInt(5000), Date: dayN(5)})
	require.NoError(t, err)

	assert.True(t, updated.Snapshot.RemainingPrincipal.IsZero())
	assert.True(t, updated.Snapshot.AccruedInterest.IsZero())
}

func TestTopUpNeverChangesFiguresOnlyTopDownDoes(t *testing.T) {
	l, _, c, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	c.t = dayN(10)
	down, err := l.OnTopDown(loan.ID, "user_1", models.TopDownEvent{Amount: decimal.NewFromInt(100), Date: dayN(1)})
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		c.t = dayN(10 + 10*i)
		up, err := l.OnTopUp(loan.ID, "user_1", models.TopUpEvent{Amount: decimal.NewFromInt(500), Date: dayN(i)})
		require.NoError(t, err)
		assert.True(t, up.Snapshot.AccruedInterest.Equal(down.Snapshot.AccruedInterest))
		assert.True(t, up.Snapshot.RemainingPrincipal.Equal(down.Snapshot.RemainingPrincipal))
	}
}

func TestEvents_RejectInvalidAmountBeforeAppend(t *testing.T) {
	l, s, _, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	var verr *models.ValidationError
	_, err = l.OnTopUp(loan.ID, "user_1", models.TopUpEvent{Amount: decimal.Zero, Date: dayN(1)})
	assert.True(t, errors.As(err, &verr))
	_, err = l.OnTopDown(loan.ID, "user_1", models.TopDownEvent{Amount: decimal.NewFromInt(-5), Date: dayN(1)})
	assert.True(t, errors.As(err, &verr))

	// Validation wins over lookup, so unknown ids still report the bad amount.
	_, err = l.OnTopDown(uuid.New(), "user_1", models.TopDownEvent{Amount: decimal.Zero, Date: dayN(1)})
	assert.True(t, errors.As(err, &verr))

	assert.Zero(t, s.topUpWrites)
	assert.Zero(t, s.topDownWrites)
	stored, _ := s.GetLoan(loan.ID)
	assert.Empty(t, stored.Ledger.TopUps)
	assert.Empty(t, stored.Ledger.TopDowns)
}

func TestNotFoundAndWrongOwnerAreIndistinguishable(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	event := models.TopDownEvent{Amount: decimal.NewFromInt(10), Date: dayN(1)}
	_, errMissing := l.OnTopDown(uuid.New(), "user_1", event)
	_, errOwner := l.OnTopDown(loan.ID, "user_2", event)

	assert.ErrorIs(t, errMissing, ErrNoAccess)
	assert.ErrorIs(t, errOwner, ErrNoAccess)
	assert.Equal(t, errMissing.Error(), errOwner.Error())

	_, err = l.GetLoan(loan.ID, "user_2")
	assert.ErrorIs(t, err, ErrNoAccess)
	_, _, err = l.History(loan.ID, "user_2")
	assert.ErrorIs(t, err, ErrNoAccess)
	assert.ErrorIs(t, l.DeleteLoan(loan.ID, "user_2"), ErrNoAccess)
}

func TestConflictIsSurfaced(t *testing.T) {
	l, s, _, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	s.ForceConflict = true
	_, err = l.OnTopDown(loan.ID, "user_1", models.TopDownEvent{Amount: decimal.NewFromInt(10), Date: dayN(1)})
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestRecompute_PicksUpTopUps(t *testing.T) {
	l, _, c, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(10000, "12"))
	require.NoError(t, err)

	c.t = dayN(40)
	_, err = l.OnTopUp(loan.ID, "user_1", models.TopUpEvent{Amount: decimal.NewFromInt(5000), Date: dayN(10)})
	require.NoError(t, err)

	updated, err := l.Recompute(loan.ID, "user_1")
	require.NoError(t, err)
	assert.True(t, updated.Snapshot.AccruedInterest.Equal(decimal.NewFromInt(3000)), "got %s", updated.Snapshot.AccruedInterest)
	assert.True(t, updated.Snapshot.RemainingPrincipal.Equal(decimal.NewFromInt(15000)))
}

func TestRefreshAccruals(t *testing.T) {
	l, s, c, _ := newTestLedger(t)
	_, err := l.CreateLoan("user_1", "cust_a", testTerms(1000, "12"))
	require.NoError(t, err)
	_, err = l.CreateLoan("user_2", "cust_b", testTerms(2000, "6"))
	require.NoError(t, err)

	c.t = dayN(30)
	refreshed, err := l.RefreshAccruals()
	require.NoError(t, err)
	assert.Equal(t, 2, refreshed)
	assert.Equal(t, 2, s.snapshotWrites)

	loans, _ := l.ListLoans("user_2")
	require.Len(t, loans, 1)
	// 2000 * 0.002 * 30
	assert.True(t, loans[0].Snapshot.AccruedInterest.Equal(decimal.NewFromInt(120)), "got %s", loans[0].Snapshot.AccruedInterest)
}

func TestHistoryKeepsInsertionOrder(t *testing.T) {
	l, _, _, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	for _, d := range []int{9, 3, 6} {
		_, err := l.OnTopUp(loan.ID, "user_1", models.TopUpEvent{Amount: decimal.NewFromInt(int64(d)), Date: dayN(d)})
		require.NoError(t, err)
	}

	ups, downs, err := l.History(loan.ID, "user_1")
	require.NoError(t, err)
	require.Len(t, ups, 3)
	assert.Empty(t, downs)
	assert.True(t, ups[0].Date.Equal(dayN(9)))
	assert.True(t, ups[1].Date.Equal(dayN(3)))
	assert.True(t, ups[2].Date.Equal(dayN(6)))
}

func TestDeleteLoan(t *testing.T) {
	l, s, _, _ := newTestLedger(t)
	loan, err := l.CreateLoan("user_1", "cust123", testTerms(1000, "12"))
	require.NoError(t, err)

	require.NoError(t, l.DeleteLoan(loan.ID, "user_1"))
	assert.Empty(t, s.loans)
	assert.ErrorIs(t, l.DeleteLoan(loan.ID, "user_1"), ErrNoAccess)
}
