// Package portfolio values a user's account against live quotes.
package portfolio

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/metrics"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/quote"
	"github.com/papertrade/ledger-engine/internal/snapshot"
	"github.com/papertrade/ledger-engine/internal/store"
	"github.com/papertrade/ledger-engine/internal/valuation"
)

// Service builds portfolio summaries.
type Service struct {
	store       store.Store
	quotes      quote.Provider
	policy      *snapshot.Policy
	defaultCash decimal.Decimal
}

// NewService creates a portfolio service. New accounts are opened with
// defaultCash.
func NewService(st store.Store, quotes quote.Provider, policy *snapshot.Policy, defaultCash decimal.Decimal) *Service {
	return &Service{
		store:       st,
		quotes:      quotes,
		policy:      policy,
		defaultCash: defaultCash,
	}
}

// DefaultCash is the opening balance of new accounts.
func (s *Service) DefaultCash() decimal.Decimal { return s.defaultCash }

// Summary values the user's portfolio and gives the snapshot policy a
// chance to record it. A failed snapshot is logged and leaves LastSnapshot
// empty; it does not fail the summary.
func (s *Service) Summary(ctx context.Context, userID string) (*model.Summary, error) {
	sum, err := s.value(ctx, userID)
	if err != nil {
		return nil, err
	}

	snap, written, err := s.policy.MaybeSnapshot(ctx, userID, sum.NetWorth)
	if err != nil {
		metrics.SnapshotFailures.Inc()
		slog.Error("snapshot failed", "user", userID, "err", err)
		return sum, nil
	}
	if written {
		metrics.SnapshotsWritten.Inc()
	}
	sum.LastSnapshot = snap
	return sum, nil
}

// Snapshot values the portfolio and runs the snapshot policy, returning
// its errors to the caller.
func (s *Service) Snapshot(ctx context.Context, userID string) (*model.Snapshot, bool, error) {
	sum, err := s.value(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	snap, written, err := s.policy.MaybeSnapshot(ctx, userID, sum.NetWorth)
	if err != nil {
		metrics.SnapshotFailures.Inc()
		return nil, false, err
	}
	if written {
		metrics.SnapshotsWritten.Inc()
	}
	return snap, written, nil
}

func (s *Service) value(ctx context.Context, userID string) (*model.Summary, error) {
	acct, err := s.store.GetOrCreateAccount(ctx, userID, s.defaultCash)
	if err != nil {
		return nil, ledger.Persistence("get account", err)
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, ledger.Persistence("list positions", err)
	}

	quotes := map[string]model.Quote{}
	if len(positions) > 0 {
		symbols := make([]string, len(positions))
		for i, p := range positions {
			symbols[i] = p.Symbol
		}
		got, err := s.quotes.GetQuotes(ctx, symbols)
		if err != nil {
			metrics.QuoteFailures.WithLabelValues(ledger.Kind(err)).Inc()
			slog.Warn("quotes unavailable, valuing holdings at zero",
				"user", userID, "symbols", len(symbols), "err", err)
		} else {
			quotes = got
			if missing := len(symbols) - len(got); missing > 0 {
				metrics.QuoteFailures.WithLabelValues("missing").Add(float64(missing))
			}
		}
	}

	holdings := valuation.ComputeHoldings(positions, quotes)
	sum := valuation.ComputeSummary(acct.CashBalance, holdings)
	sum.UserID = userID
	return &sum, nil
}
