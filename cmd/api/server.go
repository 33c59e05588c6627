package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/loanledger/pkg/analytics"
	"github.com/mcclellann/loanledger/pkg/cache"
	"github.com/mcclellann/loanledger/pkg/ledger"
	"github.com/mcclellann/loanledger/pkg/models"
	"github.com/mcclellann/loanledger/pkg/store"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const ownerHeader = "X-Owner-ID"

var trendRanges = []analytics.Range{
	analytics.RangeHour, analytics.RangeDay, analytics.RangeWeek,
	analytics.RangeMonth, analytics.RangeYear, analytics.RangeAll,
}

// Server holds the ledger instance.
type Server struct {
	ledger   *ledger.Ledger
	storage  store.Storage // Keep a reference to the storage to close it
	cache    cache.Cache
	cacheTTL time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewServer(s store.Storage, c cache.Cache, ttl time.Duration, log logrus.FieldLogger) *Server {
	return &Server{
		ledger:   ledger.NewLedger(s, ledger.WithLogger(log)),
		storage:  s,
		cache:    c,
		cacheTTL: ttl,
		log:      log,
		now:      time.Now,
	}
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/loans", s.listLoansHandler).Methods("GET")
	router.HandleFunc("/loans", s.createLoanHandler).Methods("POST")
	router.HandleFunc("/loans/{id}", s.getLoanHandler).Methods("GET")
	router.HandleFunc("/loans/{id}", s.deleteLoanHandler).Methods("DELETE")
	router.HandleFunc("/loans/{id}/top-up", s.topUpHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}/top-down", s.topDownHandler).Methods("PUT")
	router.HandleFunc("/loans/{id}/history", s.historyHandler).Methods("GET")
	router.HandleFunc("/loans/{id}/recompute", s.recomputeHandler).Methods("POST")
	router.HandleFunc("/totals", s.totalsHandler).Methods("GET")
	router.HandleFunc("/trends", s.trendsHandler).Methods("GET")
	router.HandleFunc("/latest-loan", s.latestLoanHandler).Methods("GET")
	return router
}

func (s *Server) createLoanHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		CustomerKey       string             `json:"customer_key"`
		LoanType          string             `json:"loan_type"`
		Method            string             `json:"method"`
		Principal         decimal.Decimal    `json:"principal"`
		InterestRate      decimal.Decimal    `json:"interest_rate"`
		InterestFrequency string             `json:"interest_frequency"`
		Compounding       models.Compounding `json:"compounding"`
		StartDate         string             `json:"start_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start, err := models.ParseDate(req.StartDate)
	if err != nil {
		s.writeError(w, err)
		return
	}

	loan, err := s.ledger.CreateLoan(ownerID, req.CustomerKey, models.LoanTerms{
		LoanType:          req.LoanType,
		Method:            req.Method,
		Principal:         req.Principal,
		InterestRate:      req.InterestRate,
		InterestFrequency: req.InterestFrequency,
		Compounding:       req.Compounding,
		StartDate:         start,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	s.invalidate(r.Context(), ownerID)
	writeJSON(w, http.StatusCreated, loan)
}

func (s *Server) listLoansHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	loans, err := s.ledger.ListLoans(ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loans)
}

func (s *Server) getLoanHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, loanID, ok := ownerAndLoan(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.GetLoan(loanID, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) deleteLoanHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, loanID, ok := ownerAndLoan(w, r)
	if !ok {
		return
	}
	if err := s.ledger.DeleteLoan(loanID, ownerID); err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(r.Context(), ownerID)
	w.WriteHeader(http.StatusNoContent)
}

type eventRequest struct {
	Amount       decimal.Decimal     `json:"amount"`
	Date         string              `json:"date"`
	Method       string              `json:"method"`
	InterestRate decimal.NullDecimal `json:"interest_rate"`
}

func decodeEvent(w http.ResponseWriter, r *http.Request) (eventRequest, time.Time, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, time.Time{}, false
	}
	date, err := models.ParseDate(req.Date)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return req, time.Time{}, false
	}
	return req, date, true
}

func (s *Server) topUpHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, loanID, ok := ownerAndLoan(w, r)
	if !ok {
		return
	}
	req, date, ok := decodeEvent(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.OnTopUp(loanID, ownerID, models.TopUpEvent{
		Amount:       req.Amount,
		Date:         date,
		Method:       req.Method,
		InterestRate: req.InterestRate,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) topDownHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, loanID, ok := ownerAndLoan(w, r)
	if !ok {
		return
	}
	req, date, ok := decodeEvent(w, r)
	if !ok {
		return
	}

	loan, err := s.ledger.OnTopDown(loanID, ownerID, models.TopDownEvent{
		Amount: req.Amount,
		Date:   date,
		Method: req.Method,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) historyHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, loanID, ok := ownerAndLoan(w, r)
	if !ok {
		return
	}
	topUps, topDowns, err := s.ledger.History(loanID, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.EventLedger{TopUps: topUps, TopDowns: topDowns})
}

func (s *Server) recomputeHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, loanID, ok := ownerAndLoan(w, r)
	if !ok {
		return
	}
	loan, err := s.ledger.Recompute(loanID, ownerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.invalidate(r.Context(), ownerID)
	writeJSON(w, http.StatusOK, loan)
}

func (s *Server) totalsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	s.serveCached(w, r, totalsKey(ownerID), func(loans []*models.Loan) (interface{}, bool) {
		return analytics.AggregateTotals(ownerID, loans), true
	})
}

func (s *Server) trendsHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	rng := analytics.ParseRange(r.URL.Query().Get("range"))
	s.serveCached(w, r, trendKey(ownerID, rng), func(loans []*models.Loan) (interface{}, bool) {
		return analytics.ComputeTrend(ownerID, rng, loans, s.now()), true
	})
}

func (s *Server) latestLoanHandler(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return
	}
	s.serveCached(w, r, latestKey(ownerID), func(loans []*models.Loan) (interface{}, bool) {
		return analytics.LatestLoan(ownerID, loans)
	})
}

// serveCached writes the cached summary under key, or builds it from the
// owner's loans and caches it. build returns false when there is nothing to show.
func (s *Server) serveCached(w http.ResponseWriter, r *http.Request, key string, build func([]*models.Loan) (interface{}, bool)) {
	if body, ok := s.cache.Get(r.Context(), key); ok {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(body))
		return
	}

	loans, err := s.ledger.ListLoans(ownerFrom(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	summary, found := build(loans)
	if !found {
		http.Error(w, "No loans found", http.StatusNotFound)
		return
	}

	body, err := json.Marshal(summary)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.cache.Set(r.Context(), key, string(body), s.cacheTTL); err != nil {
		s.log.WithField("key", key).Warnf("Failed to cache summary: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// invalidate drops every cached summary of the owner.
func (s *Server) invalidate(ctx context.Context, ownerID string) {
	keys := []string{totalsKey(ownerID), latestKey(ownerID)}
	for _, rng := range trendRanges {
		keys = append(keys, trendKey(ownerID, rng))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.WithField("owner_id", ownerID).Warnf("Failed to invalidate cached summaries: %v", err)
	}
}

func totalsKey(ownerID string) string { return "totals:" + ownerID }

func latestKey(ownerID string) string { return "latest:" + ownerID }

func trendKey(ownerID string, r analytics.Range) string {
	return "trends:" + ownerID + ":" + string(r)
}

// writeError maps domain errors to status codes. Store failures are logged and
// reported without detail.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr):
		http.Error(w, verr.Error(), http.StatusBadRequest)
	case errors.Is(err, ledger.ErrNoAccess):
		http.Error(w, "Loan not found", http.StatusNotFound)
	case errors.Is(err, store.ErrConflict):
		http.Error(w, "Loan was modified concurrently, retry", http.StatusConflict)
	case errors.Is(err, store.ErrLoanExists):
		http.Error(w, "Customer already has a loan", http.StatusConflict)
	default:
		s.log.Errorf("Request failed: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func ownerFrom(r *http.Request) string {
	return r.Header.Get(ownerHeader)
}

func requireOwner(w http.ResponseWriter, r *http.Request) (string, bool) {
	ownerID := ownerFrom(r)
	if ownerID == "" {
		http.Error(w, "Missing "+ownerHeader+" header", http.StatusUnauthorized)
		return "", false
	}
	return ownerID, true
}

func ownerAndLoan(w http.ResponseWriter, r *http.Request) (string, uuid.UUID, bool) {
	ownerID, ok := requireOwner(w, r)
	if !ok {
		return "", uuid.Nil, false
	}
	loanID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid loan ID", http.StatusBadRequest)
		return "", uuid.Nil, false
	}
	return ownerID, loanID, true
}
