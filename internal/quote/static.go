package quote

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// Static serves quotes from an in-memory table. Used in development when
// no market-data credentials are configured, and by tests.
type Static struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
}

// NewStatic creates a Static provider seeded with quotes.
func NewStatic(quotes ...model.Quote) *Static {
	s := &Static{quotes: make(map[string]model.Quote, len(quotes))}
	for _, q := range quotes {
		s.quotes[q.Symbol] = q
	}
	return s
}

// Set replaces the quote for symbol with a price and day change.
func (s *Static) Set(symbol string, current, change decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotes[symbol] = model.Quote{
		Symbol:    symbol,
		Current:   current,
		Change:    change,
		PrevClose: current.Sub(change),
		Timestamp: time.Now().UTC(),
	}
}

// Delete removes symbol so that it reports as unavailable.
func (s *Static) Delete(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.quotes, symbol)
}

func (s *Static) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	q, ok := s.quotes[symbol]
	s.mu.RUnlock()
	if !ok || !q.Current.IsPositive() {
		return nil, unavailable(symbol)
	}
	return &q, nil
}

func (s *Static) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(symbols))
	for _, sym := range symbols {
		q, err := s.GetQuote(ctx, sym)
		if err != nil {
			continue
		}
		out[sym] = *q
	}
	return out, nil
}

// DevQuotes is the seed table used when the server runs without a
// market-data provider.
func DevQuotes() []model.Quote {
	now := time.Now().UTC()
	mk := func(sym, cur, chg string) model.Quote {
		c := decimal.RequireFromString(cur)
		d := decimal.RequireFromString(chg)
		return model.Quote{Symbol: sym, Current: c, Change: d, PrevClose: c.Sub(d), Timestamp: now}
	}
	return []model.Quote{
		mk("AAPL", "189.50", "1.25"),
		mk("MSFT", "415.20", "-2.10"),
		mk("GOOGL", "171.05", "0.85"),
		mk("AMZN", "183.30", "2.40"),
		mk("NVDA", "121.75", "-0.95"),
		mk("SPY", "545.10", "1.60"),
	}
}

var _ Provider = (*Static)(nil)
