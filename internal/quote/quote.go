// Package quote adapts market-data sources to a single Provider interface.
//
// A quote whose current price is not positive is treated as unavailable.
// Providers never retry; callers decide whether an error is retryable via
// ledger.Retryable.
package quote

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
)

// DefaultConcurrency bounds the per-symbol fan-out of GetQuotes.
const DefaultConcurrency = 8

// Provider returns live quotes for ticker symbols.
type Provider interface {
	// GetQuote returns the quote for one symbol. It fails with
	// ledger.ErrQuoteUnavailable when the source has no usable price and
	// ledger.ErrUpstream when the source cannot be reached.
	GetQuote(ctx context.Context, symbol string) (*model.Quote, error)

	// GetQuotes returns quotes for many symbols. Symbols that fail are left
	// out of the map; an error is returned only when the whole batch fails.
	GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error)
}

// unavailable builds the error for a quote with no usable price.
func unavailable(symbol string) error {
	return fmt.Errorf("%w: no price for %s", ledger.ErrQuoteUnavailable, symbol)
}

// fanOut calls get for every symbol with at most limit calls in flight.
// Individual failures drop the symbol; if every symbol fails the first
// error is returned.
func fanOut(ctx context.Context, symbols []string, limit int, get func(context.Context, string) (*model.Quote, error)) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}
	if limit <= 0 {
		limit = DefaultConcurrency
	}

	var (
		mu       sync.Mutex
		firstErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, sym := range symbols {
		g.Go(func() error {
			q, err := get(gctx, sym)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return nil
			}
			out[sym] = *q
			return nil
		})
	}
	_ = g.Wait()

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
