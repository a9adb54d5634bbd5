// Package trade executes paper trades against a user's cash account and
// serves the ledger's HTTP API.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/portfolio"
	"github.com/papertrade/ledger-engine/internal/quote"
	"github.com/papertrade/ledger-engine/internal/snapshot"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/ticker"
)

// DefaultQuoteTimeout bounds the quote lookup of a single trade.
const DefaultQuoteTimeout = 5 * time.Second

// Service executes trades. Per-user serialization is delegated to
// store.WithTx, so trades of different users run in parallel.
type Service struct {
	store        store.Store
	quotes       quote.Provider
	portfolio    *portfolio.Service
	snapshots    *snapshot.Policy
	wsHub        *WSHub // optional WebSocket hub for real-time broadcasts
	quoteTimeout time.Duration
	now          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithQuoteTimeout overrides DefaultQuoteTimeout.
func WithQuoteTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.quoteTimeout = d
		}
	}
}

// WithClock overrides the trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, quotes quote.Provider, pf *portfolio.Service, snaps *snapshot.Policy, hub *WSHub, opts ...Option) *Service {
	s := &Service{
		store:        st,
		quotes:       quotes,
		portfolio:    pf,
		snapshots:    snaps,
		wsHub:        hub,
		quoteTimeout: DefaultQuoteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TradeRequest is the JSON body for POST /trade.
type TradeRequest struct {
	Symbol   string          `json:"symbol"`
	Side     string          `json:"side"` // "BUY" or "SELL", case-insensitive
	Quantity decimal.Decimal `json:"quantity"`
}

// TradeResult is the executed trade and the portfolio valued after it.
// Summary is nil only if the post-trade valuation failed; the trade itself
// is committed either way.
type TradeResult struct {
	Trade   model.Trade    `json:"trade"`
	Summary *model.Summary `json:"summary"`
}

// Execute validates req, prices it at the current quote and applies it to
// the user's account in a single store transaction. Errors are classified
// by the ledger sentinels; nothing is written unless the whole trade is.
func (s *Service) Execute(ctx context.Context, userID string, req TradeRequest) (*TradeResult, error) {
	start := time.Now()

	tr, err := s.execute(ctx, userID, req)
	if err != nil {
		reason := ledger.Kind(err)
		metrics.TradeRejections.WithLabelValues(reason).Inc()
		slog.Info("trade rejected",
			"user", userID,
			"symbol", req.Symbol,
			"side", req.Side,
			"qty", req.Quantity.String(),
			"reason", reason,
			"err", err,
		)
		return nil, err
	}

	side := string(tr.Side)
	metrics.TradesTotal.WithLabelValues(side).Inc()
	metrics.TradeNotional.WithLabelValues(side).Add(tr.Notional.InexactFloat64())
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())

	slog.Info("trade executed",
		"trade_id", tr.ID,
		"user", userID,
		"symbol", tr.Symbol,
		"side", side,
		"qty", tr.Quantity.String(),
		"price", tr.Price.String(),
		"notional", tr.Notional.String(),
	)

	// Committed: valuation or snapshot problems from here on are reported
	// in logs and metrics, not as a failed trade.
	sum, err := s.portfolio.Summary(ctx, userID)
	if err != nil {
		slog.Error("post-trade valuation failed", "trade_id", tr.ID, "user", userID, "err", err)
	}

	if s.wsHub != nil {
		s.wsHub.Send(userID, WSMessage{
			Type:    EventTradeExecuted,
			Trade:   tr,
			Summary: sum,
		})
		if sum != nil && sum.LastSnapshot != nil && !sum.LastSnapshot.Timestamp.Before(tr.ExecutedAt) {
			s.wsHub.Send(userID, WSMessage{Type: EventSnapshotRecorded, Snapshot: sum.LastSnapshot})
		}
	}

	return &TradeResult{Trade: *tr, Summary: sum}, nil
}

func (s *Service) execute(ctx context.Context, userID string, req TradeRequest) (*model.Trade, error) {
	symbol, err := ticker.Parse(req.Symbol)
	if err != nil {
		return nil, err
	}
	side, err := ledger.ParseSide(req.Side)
	if err != nil {
		return nil, err
	}
	if !req.Quantity.IsPositive() {
		return nil, ledger.Validation("quantity must be positive, got %s", req.Quantity)
	}

	q, err := s.fetchQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}

	qty := ledger.Round4(req.Quantity)
	if !qty.IsPositive() {
		return nil, ledger.Validation("quantity %s rounds to zero", req.Quantity)
	}
	price := ledger.Round2(q.Current)
	if !price.IsPositive() {
		return nil, fmt.Errorf("%w: %s price %s", ledger.ErrQuoteUnavailable, symbol, q.Current)
	}

	tr := &model.Trade{
		ID:         uuid.New().String(),
		UserID:     userID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Notional:   ledger.Round2(price.Mul(qty)),
		ExecutedAt: s.now().UTC(),
	}

	err = s.store.WithTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		return s.apply(ctx, tx, tr)
	})
	if err != nil {
		if isRejection(err) {
			return nil, err
		}
		return nil, ledger.Persistence("execute trade", err)
	}
	return tr, nil
}

// apply runs inside the user's transaction: account, position, cash and
// trade row change together or not at all.
func (s *Service) apply(ctx context.Context, tx store.Tx, tr *model.Trade) error {
	acct, err := tx.Account(ctx, s.portfolio.DefaultCash())
	if err != nil {
		return err
	}

	pos, err := tx.GetPosition(ctx, tr.Symbol)
	if errors.Is(err, store.ErrNotFound) {
		pos = nil
	} else if err != nil {
		return err
	}

	var cash decimal.Decimal
	switch tr.Side {
	case model.SideBuy:
		if acct.CashBalance.LessThan(tr.Notional) {
			return fmt.Errorf("%w: need %s, have %s",
				ledger.ErrInsufficientFunds, tr.Notional.StringFixed(2), acct.CashBalance.StringFixed(2))
		}
		cash = ledger.Round2(acct.CashBalance.Sub(tr.Notional))

		shares, avgCost := tr.Quantity, tr.Price
		if pos != nil {
			shares = ledger.Round4(pos.Shares.Add(tr.Quantity))
			avgCost = ledger.Round2(pos.Shares.Mul(pos.AvgCost).Add(tr.Quantity.Mul(tr.Price)).Div(shares))
		} else {
			pos = &model.Position{Symbol: tr.Symbol}
		}
		pos.Shares = shares
		pos.AvgCost = avgCost
		pos.UpdatedAt = tr.ExecutedAt
		if err := tx.UpsertPosition(ctx, pos); err != nil {
			return err
		}

	case model.SideSell:
		if pos == nil {
			return fmt.Errorf("%w: no %s position", ledger.ErrInsufficientShares, tr.Symbol)
		}
		if pos.Shares.LessThan(tr.Quantity) {
			return fmt.Errorf("%w: hold %s %s, selling %s",
				ledger.ErrInsufficientShares, pos.Shares, tr.Symbol, tr.Quantity)
		}
		cash = ledger.Round2(acct.CashBalance.Add(tr.Notional))

		remaining := ledger.Round4(pos.Shares.Sub(tr.Quantity))
		if !remaining.IsPositive() {
			if err := tx.DeletePosition(ctx, tr.Symbol); err != nil {
				return err
			}
		} else {
			pos.Shares = remaining
			pos.UpdatedAt = tr.ExecutedAt
			if err := tx.UpsertPosition(ctx, pos); err != nil {
				return err
			}
		}

	default:
		return ledger.Validation("unknown side %q", tr.Side)
	}

	if err := tx.UpdateCash(ctx, cash); err != nil {
		return err
	}
	return tx.InsertTrade(ctx, tr)
}

// fetchQuote bounds the provider call by the configured timeout. A
// deadline hit is reported as an unavailable quote, not an upstream fault.
func (s *Service) fetchQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	qctx, cancel := context.WithTimeout(ctx, s.quoteTimeout)
	defer cancel()

	q, err := s.quotes.GetQuote(qctx, symbol)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		metrics.QuoteFailures.WithLabelValues("timeout").Inc()
		return nil, fmt.Errorf("%w: %s quote timed out: %w", ledger.ErrQuoteUnavailable, symbol, err)
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, ledger.ErrQuoteUnavailable), errors.Is(err, ledger.ErrUpstream):
		metrics.QuoteFailures.WithLabelValues(ledger.Kind(err)).Inc()
		return nil, err
	default:
		metrics.QuoteFailures.WithLabelValues("upstream").Inc()
		return nil, ledger.Upstream("quote "+symbol, err)
	}

	if q == nil || !q.Current.IsPositive() {
		metrics.QuoteFailures.WithLabelValues("quote_unavailable").Inc()
		return nil, fmt.Errorf("%w: no price for %s", ledger.ErrQuoteUnavailable, symbol)
	}
	return q, nil
}

func isRejection(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientFunds) ||
		errors.Is(err, ledger.ErrInsufficientShares) ||
		errors.Is(err, ledger.ErrValidation)
}

// Trades returns the user's most recent trades, newest first.
func (s *Service) Trades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	trades, err := s.store.ListTrades(ctx, userID, limit)
	if err != nil {
		return nil, ledger.Persistence("list trades", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}
