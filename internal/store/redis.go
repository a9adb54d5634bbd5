package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// the per-user reads that every summary request makes (account, positions).
// Writes only happen through WithTx; after a committed transaction the
// user's keys are invalidated so the next read repopulates them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// WithTx invalidates the user's keys only when the committed transaction
// changed cash or positions. Snapshot-only and read-only transactions keep
// the cache warm.
func (s *CachedStore) WithTx(ctx context.Context, userID string, fn TxFunc) error {
	var dirty bool
	err := s.primary.WithTx(ctx, userID, func(ctx context.Context, tx Tx) error {
		ct := &cachedTx{Tx: tx}
		if err := fn(ctx, ct); err != nil {
			return err
		}
		dirty = ct.dirty
		return nil
	})
	if err != nil {
		return err
	}
	if dirty {
		s.invalidate(ctx, userID)
	}
	return nil
}

// cachedTx records whether a transaction wrote anything the cache holds.
// Account creation is not tracked: a row created here cannot have a cache
// entry yet, and the opening balance is the same one GetOrCreateAccount
// would have cached.
type cachedTx struct {
	Tx
	dirty bool
}

func (t *cachedTx) UpdateCash(ctx context.Context, cash decimal.Decimal) error {
	t.dirty = true
	return t.Tx.UpdateCash(ctx, cash)
}

func (t *cachedTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	t.dirty = true
	return t.Tx.UpsertPosition(ctx, p)
}

func (t *cachedTx) DeletePosition(ctx context.Context, symbol string) error {
	t.dirty = true
	return t.Tx.DeletePosition(ctx, symbol)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	data, err := s.rdb.Get(ctx, accountKey(userID)).Bytes()
	if err == nil {
		var a model.Account
		if json.Unmarshal(data, &a) == nil {
			return &a, nil
		}
	}

	a, err := s.primary.GetOrCreateAccount(ctx, userID, defaultCash)
	if err != nil {
		return nil, err
	}
	s.set(ctx, accountKey(userID), a)
	return a, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	data, err := s.rdb.Get(ctx, positionsKey(userID)).Bytes()
	if err == nil {
		var positions []model.Position
		if json.Unmarshal(data, &positions) == nil {
			return positions, nil
		}
	}

	positions, err := s.primary.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.set(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx, userID, limit)
}

func (s *CachedStore) ListSnapshots(ctx context.Context, userID string, from time.Time) ([]model.Snapshot, error) {
	return s.primary.ListSnapshots(ctx, userID, from)
}

func (s *CachedStore) Close() error {
	return s.primary.Close()
}

// --- Cache helpers ---

func (s *CachedStore) set(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, key, data, s.ttl).Err(); err != nil {
		slog.Warn("cache set failed", "key", key, "err", err)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	// The transaction is committed; a stale cache entry expires with the TTL
	// even if this delete fails.
	if err := s.rdb.Del(ctx, accountKey(userID), positionsKey(userID)).Err(); err != nil {
		slog.Warn("cache invalidation failed", "user", userID, "err", err)
	}
}

func accountKey(uid string) string   { return fmt.Sprintf("ledger:account:%s", uid) }
func positionsKey(uid string) string { return fmt.Sprintf("ledger:positions:%s", uid) }

var _ Store = (*CachedStore)(nil)
