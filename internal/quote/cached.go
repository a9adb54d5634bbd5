package quote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papertrade/ledger-engine/internal/model"
)

// Cached wraps a Provider with a short-lived Redis cache. Cache failures
// are logged and fall through to the wrapped provider.
type Cached struct {
	inner Provider
	rdb   *redis.Client
	ttl   time.Duration
}

// NewCached creates a cached provider.
func NewCached(inner Provider, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{inner: inner, rdb: rdb, ttl: ttl}
}

func (c *Cached) GetQuote(ctx context.Context, symbol string) (*model.Quote, error) {
	data, err := c.rdb.Get(ctx, quoteKey(symbol)).Bytes()
	if err == nil {
		var q model.Quote
		if json.Unmarshal(data, &q) == nil {
			return &q, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		slog.Warn("quote cache get failed", "symbol", symbol, "err", err)
	}

	q, err := c.inner.GetQuote(ctx, symbol)
	if err != nil {
		return nil, err
	}
	c.set(ctx, *q)
	return q, nil
}

func (c *Cached) GetQuotes(ctx context.Context, symbols []string) (map[string]model.Quote, error) {
	out := make(map[string]model.Quote, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	keys := make([]string, len(symbols))
	for i, sym := range symbols {
		keys[i] = quoteKey(sym)
	}

	missing := symbols
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("quote cache mget failed", "err", err)
	} else {
		missing = nil
		for i, v := range vals {
			s, ok := v.(string)
			var q model.Quote
			if !ok || json.Unmarshal([]byte(s), &q) != nil {
				missing = append(missing, symbols[i])
				continue
			}
			out[symbols[i]] = q
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	fresh, err := c.inner.GetQuotes(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}
	for sym, q := range fresh {
		out[sym] = q
		c.set(ctx, q)
	}
	return out, nil
}

func (c *Cached) set(ctx context.Context, q model.Quote) {
	data, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, quoteKey(q.Symbol), data, c.ttl).Err(); err != nil {
		slog.Warn("quote cache set failed", "symbol", q.Symbol, "err", err)
	}
}

func quoteKey(symbol string) string { return "ledger:quote:" + symbol }

var _ Provider = (*Cached)(nil)
