package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/papertrade/ledger-engine/internal/auth"
	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/ticker"
)

const (
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

// Routes mounts the ledger API on r. Callers are expected to have
// installed the auth middleware. mws wrap the request/response routes
// only; the long-lived WebSocket route is mounted outside them.
func (s *Service) Routes(r chi.Router, mws ...func(http.Handler) http.Handler) {
	if s.wsHub != nil {
		r.Get("/ws", s.wsHub.HandleWS)
	}
	r.Group(func(r chi.Router) {
		r.Use(mws...)
		r.Post("/trade", s.ExecuteTrade)
		r.Get("/portfolio", s.GetPortfolio)
		r.Get("/trades", s.ListTrades)
		r.Get("/snapshots", s.ListSnapshots)
		r.Post("/snapshots", s.RecordSnapshot)
		r.Get("/quotes/{symbol}", s.GetQuote)
	})
}

// ExecuteTrade handles POST /api/v1/trade
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, ledger.Validation("invalid request body: %v", err))
		return
	}

	res, err := s.Execute(r.Context(), userID, req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetPortfolio handles GET /api/v1/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	sum, err := s.portfolio.Summary(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// ListTrades handles GET /api/v1/trades?limit=N
// Returns the newest trades first.
func (s *Service) ListTrades(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	limit := defaultTradeLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, ledger.Validation("limit must be a positive integer"))
			return
		}
		limit = min(n, maxTradeLimit)
	}

	trades, err := s.Trades(r.Context(), userID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// ListSnapshots handles GET /api/v1/snapshots?from=<RFC3339>
func (s *Service) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	var from time.Time
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, ledger.Validation("from must be an RFC3339 timestamp"))
			return
		}
		from = t
	}

	snaps, err := s.snapshots.List(r.Context(), userID, from)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snaps)
}

// RecordSnapshot handles POST /api/v1/snapshots
// Values the portfolio now and applies the snapshot throttle.
func (s *Service) RecordSnapshot(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	snap, written, err := s.portfolio.Snapshot(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	if written && s.wsHub != nil {
		s.wsHub.Send(userID, WSMessage{Type: EventSnapshotRecorded, Snapshot: snap})
	}

	status := http.StatusOK
	if written {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{
		"snapshot": snap,
		"written":  written,
	})
}

// GetQuote handles GET /api/v1/quotes/{symbol}
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	symbol, err := ticker.Parse(chi.URLParam(r, "symbol"))
	if err != nil {
		writeError(w, err)
		return
	}

	q, err := s.fetchQuote(r.Context(), symbol)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorBody{
			Error: auth.ErrUnauthenticated.Error(),
			Code:  "unauthenticated",
		})
		return "", false
	}
	return userID, true
}

type errorBody struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// statusFor maps the ledger error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrInsufficientShares):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ledger.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error response. Internal and storage failures
// are logged with their cause and returned with a generic message.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
		if errors.Is(err, ledger.ErrPersistence) {
			msg = "storage failure"
		}
	}
	writeJSON(w, status, errorBody{
		Error:     msg,
		Code:      ledger.Kind(err),
		Retryable: ledger.Retryable(err),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
