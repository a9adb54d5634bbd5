package portfolio

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/quote"
	"github.com/papertrade/ledger-engine/internal/snapshot"
	"github.com/papertrade/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// seed writes a position and cash balance directly through the store.
func seed(t *testing.T, st store.Store, userID, cash string, positions ...model.Position) {
	t.Helper()
	err := st.WithTx(context.Background(), userID, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Account(ctx, d(cash)); err != nil {
			return err
		}
		if err := tx.UpdateCash(ctx, d(cash)); err != nil {
			return err
		}
		for i := range positions {
			if err := tx.UpsertPosition(ctx, &positions[i]); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestSummary_NewAccount(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, quote.NewStatic(), snapshot.NewPolicy(st, time.Hour), d("100000"))

	sum, err := svc.Summary(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", sum.UserID)
	assert.True(t, sum.CashBalance.Equal(d("100000")))
	assert.True(t, sum.NetWorth.Equal(d("100000")))
	assert.Empty(t, sum.Holdings)
	require.NotNil(t, sum.LastSnapshot)
	assert.True(t, sum.LastSnapshot.NetWorth.Equal(d("100000")))
}

func TestSummary_ValuesHoldings(t *testing.T) {
	st := store.NewMemoryStore()
	quotes := quote.NewStatic()
	quotes.Set("AAPL", d("200"), d("5"))
	svc := NewService(st, quotes, snapshot.NewPolicy(st, time.Hour), d("100000"))

	seed(t, st, "u1", "98600", model.Position{Symbol: "AAPL", Shares: d("10"), AvgCost: d("160")})

	sum, err := svc.Summary(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, sum.HoldingsValue.Equal(d("2000")))
	assert.True(t, sum.NetWorth.Equal(d("100600")))
	assert.True(t, sum.DailyChange.Equal(d("50")))
	require.Len(t, sum.Holdings, 1)
	assert.True(t, sum.Holdings[0].Gain.Equal(d("400")))
}

type failingQuotes struct{}

func (failingQuotes) GetQuote(context.Context, string) (*model.Quote, error) {
	return nil, errors.New("down")
}

func (failingQuotes) GetQuotes(context.Context, []string) (map[string]model.Quote, error) {
	return nil, errors.New("down")
}

func TestSummary_QuoteOutageDegrades(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, failingQuotes{}, snapshot.NewPolicy(st, time.Hour), d("100000"))
	seed(t, st, "u1", "500", model.Position{Symbol: "AAPL", Shares: d("1"), AvgCost: d("100")})

	sum, err := svc.Summary(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, sum.Holdings, 1)
	assert.False(t, sum.Holdings[0].QuoteAvailable)
	assert.True(t, sum.NetWorth.Equal(d("500")))
}

// snapshotFailStore rejects WithTx; plain reads still reach the memory store.
type snapshotFailStore struct {
	*store.MemoryStore
}

func (s snapshotFailStore) WithTx(ctx context.Context, userID string, fn store.TxFunc) error {
	return errors.New("disk full")
}

func TestSummary_SnapshotFailureDoesNotFail(t *testing.T) {
	mem := store.NewMemoryStore()
	_, err := mem.GetOrCreateAccount(context.Background(), "u1", d("100"))
	require.NoError(t, err)

	st := snapshotFailStore{mem}
	svc := NewService(st, quote.NewStatic(), snapshot.NewPolicy(st, time.Hour), d("100"))

	sum, err := svc.Summary(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, sum.LastSnapshot)
	assert.True(t, sum.NetWorth.Equal(d("100")))

	_, _, err = svc.Snapshot(context.Background(), "u1")
	assert.Error(t, err)
}

func TestSnapshot_ReportsWritten(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, quote.NewStatic(), snapshot.NewPolicy(st, time.Hour), d("1000"))

	_, written, err := svc.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, written)

	_, written, err = svc.Snapshot(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, written)
}

// readCountingStore counts account and position reads reaching the primary.
type readCountingStore struct {
	*store.MemoryStore
	reads atomic.Int32
}

func (s *readCountingStore) GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	s.reads.Add(1)
	return s.MemoryStore.GetOrCreateAccount(ctx, userID, defaultCash)
}

func (s *readCountingStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	s.reads.Add(1)
	return s.MemoryStore.ListPositions(ctx, userID)
}

func TestSummary_RepeatedSummariesHitCache(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: miniredis.RunT(t).Addr()})
	t.Cleanup(func() { rdb.Close() })

	primary := &readCountingStore{MemoryStore: store.NewMemoryStore()}
	st := store.NewCachedStore(primary, rdb, time.Minute)
	svc := NewService(st, quote.NewStatic(), snapshot.NewPolicy(st, time.Hour), d("100000"))

	for i := 0; i < 5; i++ {
		sum, err := svc.Summary(context.Background(), "u1")
		require.NoError(t, err)
		assert.True(t, sum.NetWorth.Equal(d("100000")))
	}
	// One account read and one position read; the rest are served from Redis.
	assert.Equal(t, int32(2), primary.reads.Load())
}
