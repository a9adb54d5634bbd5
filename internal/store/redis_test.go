package store_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/store"
)

// countingStore counts reads that reach the primary store.
type countingStore struct {
	*store.MemoryStore
	accountReads  atomic.Int32
	positionReads atomic.Int32
}

func (s *countingStore) GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	s.accountReads.Add(1)
	return s.MemoryStore.GetOrCreateAccount(ctx, userID, defaultCash)
}

func (s *countingStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	s.positionReads.Add(1)
	return s.MemoryStore.ListPositions(ctx, userID)
}

func newCounted(t *testing.T) (*countingStore, *store.CachedStore) {
	t.Helper()
	primary := &countingStore{MemoryStore: store.NewMemoryStore()}
	return primary, store.NewCachedStore(primary, newRedis(t), time.Minute)
}

func readAll(t *testing.T, st store.Store, uid string) (*model.Account, []model.Position) {
	t.Helper()
	ctx := context.Background()
	acct, err := st.GetOrCreateAccount(ctx, uid, d("1000"))
	require.NoError(t, err)
	positions, err := st.ListPositions(ctx, uid)
	require.NoError(t, err)
	return acct, positions
}

func TestCachedStore_SnapshotOnlyTxKeepsCache(t *testing.T) {
	primary, st := newCounted(t)
	ctx := context.Background()
	uid := userID(t)

	for i := 0; i < 5; i++ {
		readAll(t, st, uid)
		err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
			if _, err := tx.LatestSnapshot(ctx); err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			return tx.InsertSnapshot(ctx, &model.Snapshot{
				ID: userID(t), NetWorth: d("1000"), Timestamp: time.Now().UTC(),
			})
		})
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), primary.accountReads.Load())
	assert.Equal(t, int32(1), primary.positionReads.Load())
}

func TestCachedStore_WritesInvalidate(t *testing.T) {
	primary, st := newCounted(t)
	ctx := context.Background()
	uid := userID(t)

	readAll(t, st, uid)

	require.NoError(t, st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateCash(ctx, d("400")); err != nil {
			return err
		}
		return tx.UpsertPosition(ctx, &model.Position{
			Symbol: "AAPL", Shares: d("4"), AvgCost: d("150"), UpdatedAt: time.Now().UTC(),
		})
	}))

	acct, positions := readAll(t, st, uid)
	assert.True(t, acct.CashBalance.Equal(d("400")), "cash %s", acct.CashBalance)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].Symbol)
	assert.Equal(t, int32(2), primary.accountReads.Load())
	assert.Equal(t, int32(2), primary.positionReads.Load())

	require.NoError(t, st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
		return tx.DeletePosition(ctx, "AAPL")
	}))
	_, positions = readAll(t, st, uid)
	assert.Empty(t, positions)
	assert.Equal(t, int32(3), primary.positionReads.Load())
}

func TestCachedStore_RolledBackTxKeepsCache(t *testing.T) {
	primary, st := newCounted(t)
	ctx := context.Background()
	uid := userID(t)

	readAll(t, st, uid)

	errBoom := errors.New("boom")
	err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
		if err := tx.UpdateCash(ctx, d("1")); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	acct, _ := readAll(t, st, uid)
	assert.True(t, acct.CashBalance.Equal(d("1000")))
	assert.Equal(t, int32(1), primary.accountReads.Load())
}
