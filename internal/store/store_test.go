package store_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// backends returns every Store implementation available in this environment.
// Postgres runs only when TEST_DATABASE_URL is set. The Redis-cached store
// runs against TEST_REDIS_URL when set and an in-process miniredis otherwise.
func backends(t *testing.T) map[string]func(t *testing.T) store.Store {
	t.Helper()
	b := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
			require.NoError(t, err)
			t.Cleanup(func() { st.Close() })
			return st
		},
	}

	if dbURL := os.Getenv("TEST_DATABASE_URL"); dbURL != "" {
		b["postgres"] = func(t *testing.T) store.Store {
			pool, err := pgxpool.New(context.Background(), dbURL)
			require.NoError(t, err)
			st := store.NewPostgresStore(pool)
			require.NoError(t, st.Migrate(context.Background()))
			t.Cleanup(func() { st.Close() })
			return st
		}
	}

	b["redis-cached"] = func(t *testing.T) store.Store {
		return store.NewCachedStore(store.NewMemoryStore(), newRedis(t), time.Minute)
	}
	return b
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	opt := &redis.Options{}
	if redisURL := os.Getenv("TEST_REDIS_URL"); redisURL != "" {
		var err error
		opt, err = redis.ParseURL(redisURL)
		require.NoError(t, err)
	} else {
		opt.Addr = miniredis.RunT(t).Addr()
	}
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

// userID is unique per test so that shared Postgres/Redis instances do not
// leak state between runs.
func userID(t *testing.T) string {
	return "user-" + uuid.New().String()
}

func TestStore_AccountCreatedOnce(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)

			a1, err := st.GetOrCreateAccount(ctx, uid, d("100000"))
			require.NoError(t, err)
			assert.Equal(t, uid, a1.UserID)
			assert.True(t, a1.CashBalance.Equal(d("100000")))
			assert.NotEmpty(t, a1.ID)

			// Different default on second access is ignored.
			a2, err := st.GetOrCreateAccount(ctx, uid, d("5"))
			require.NoError(t, err)
			assert.Equal(t, a1.ID, a2.ID)
			assert.True(t, a2.CashBalance.Equal(d("100000")))
		})
	}
}

func TestStore_TxCommitsAllWrites(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)
			now := time.Now().UTC().Truncate(time.Second)

			err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
				acct, err := tx.Account(ctx, d("1000"))
				if err != nil {
					return err
				}
				if err := tx.UpdateCash(ctx, acct.CashBalance.Sub(d("300"))); err != nil {
					return err
				}
				if err := tx.UpsertPosition(ctx, &model.Position{
					Symbol: "AAPL", Shares: d("2"), AvgCost: d("150"), UpdatedAt: now,
				}); err != nil {
					return err
				}
				return tx.InsertTrade(ctx, &model.Trade{
					ID: uuid.New().String(), Symbol: "AAPL", Side: model.SideBuy,
					Quantity: d("2"), Price: d("150"), Notional: d("300"), ExecutedAt: now,
				})
			})
			require.NoError(t, err)

			acct, err := st.GetOrCreateAccount(ctx, uid, d("1000"))
			require.NoError(t, err)
			assert.True(t, acct.CashBalance.Equal(d("700")), "cash = %s", acct.CashBalance)

			positions, err := st.ListPositions(ctx, uid)
			require.NoError(t, err)
			require.Len(t, positions, 1)
			assert.Equal(t, "AAPL", positions[0].Symbol)
			assert.Equal(t, uid, positions[0].UserID)
			assert.True(t, positions[0].Shares.Equal(d("2")))
			assert.True(t, positions[0].AvgCost.Equal(d("150")))

			trades, err := st.ListTrades(ctx, uid, 0)
			require.NoError(t, err)
			require.Len(t, trades, 1)
			assert.Equal(t, model.SideBuy, trades[0].Side)
			assert.True(t, trades[0].Notional.Equal(d("300")))
			assert.True(t, trades[0].ExecutedAt.Equal(now))
		})
	}
}

func TestStore_TxRollsBackOnError(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)

			_, err := st.GetOrCreateAccount(ctx, uid, d("1000"))
			require.NoError(t, err)

			boom := errors.New("boom")
			err = st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
				if err := tx.UpdateCash(ctx, d("1")); err != nil {
					return err
				}
				if err := tx.UpsertPosition(ctx, &model.Position{
					Symbol: "MSFT", Shares: d("1"), AvgCost: d("999"), UpdatedAt: time.Now(),
				}); err != nil {
					return err
				}
				if err := tx.InsertTrade(ctx, &model.Trade{
					ID: uuid.New().String(), Symbol: "MSFT", Side: model.SideBuy,
					Quantity: d("1"), Price: d("999"), Notional: d("999"), ExecutedAt: time.Now(),
				}); err != nil {
					return err
				}
				return boom
			})
			require.ErrorIs(t, err, boom)

			acct, err := st.GetOrCreateAccount(ctx, uid, d("1000"))
			require.NoError(t, err)
			assert.True(t, acct.CashBalance.Equal(d("1000")), "cash changed to %s", acct.CashBalance)

			positions, err := st.ListPositions(ctx, uid)
			require.NoError(t, err)
			assert.Empty(t, positions)

			trades, err := st.ListTrades(ctx, uid, 0)
			require.NoError(t, err)
			assert.Empty(t, trades)
		})
	}
}

func TestStore_PositionLifecycle(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)

			err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
				_, err := tx.GetPosition(ctx, "AAPL")
				require.ErrorIs(t, err, store.ErrNotFound)

				require.NoError(t, tx.UpsertPosition(ctx, &model.Position{
					Symbol: "AAPL", Shares: d("10"), AvgCost: d("150"), UpdatedAt: time.Now(),
				}))
				p, err := tx.GetPosition(ctx, "AAPL")
				require.NoError(t, err)
				assert.True(t, p.Shares.Equal(d("10")))

				p.Shares = d("15")
				p.AvgCost = d("160")
				require.NoError(t, tx.UpsertPosition(ctx, p))

				p2, err := tx.GetPosition(ctx, "AAPL")
				require.NoError(t, err)
				assert.Equal(t, p.ID, p2.ID)
				assert.True(t, p2.Shares.Equal(d("15")))
				assert.True(t, p2.AvgCost.Equal(d("160")))
				return nil
			})
			require.NoError(t, err)

			err = st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
				require.NoError(t, tx.DeletePosition(ctx, "AAPL"))
				_, err := tx.GetPosition(ctx, "AAPL")
				assert.ErrorIs(t, err, store.ErrNotFound)
				return nil
			})
			require.NoError(t, err)

			positions, err := st.ListPositions(ctx, uid)
			require.NoError(t, err)
			assert.Empty(t, positions)
		})
	}
}

func TestStore_TradesNewestFirstWithLimit(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)
			base := time.Now().UTC().Truncate(time.Second)

			for i, sym := range []string{"A", "B", "C"} {
				err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
					return tx.InsertTrade(ctx, &model.Trade{
						ID: uuid.New().String(), Symbol: sym, Side: model.SideBuy,
						Quantity: d("1"), Price: d("1"), Notional: d("1"),
						ExecutedAt: base.Add(time.Duration(i) * time.Minute),
					})
				})
				require.NoError(t, err)
			}

			all, err := st.ListTrades(ctx, uid, 0)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "C", all[0].Symbol)
			assert.Equal(t, "A", all[2].Symbol)

			limited, err := st.ListTrades(ctx, uid, 2)
			require.NoError(t, err)
			require.Len(t, limited, 2)
			assert.Equal(t, "C", limited[0].Symbol)
			assert.Equal(t, "B", limited[1].Symbol)

			other, err := st.ListTrades(ctx, userID(t), 0)
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestStore_Snapshots(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)
			base := time.Now().UTC().Truncate(time.Second)

			err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
				_, err := tx.LatestSnapshot(ctx)
				require.ErrorIs(t, err, store.ErrNotFound)

				for i, nw := range []string{"100", "110", "105"} {
					require.NoError(t, tx.InsertSnapshot(ctx, &model.Snapshot{
						ID: uuid.New().String(), NetWorth: d(nw),
						Timestamp: base.Add(time.Duration(i) * time.Hour),
					}))
				}
				latest, err := tx.LatestSnapshot(ctx)
				require.NoError(t, err)
				assert.True(t, latest.NetWorth.Equal(d("105")))
				return nil
			})
			require.NoError(t, err)

			all, err := st.ListSnapshots(ctx, uid, time.Time{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.True(t, all[0].NetWorth.Equal(d("100")))
			assert.True(t, all[2].NetWorth.Equal(d("105")))
			assert.Equal(t, uid, all[0].UserID)

			recent, err := st.ListSnapshots(ctx, uid, base.Add(time.Hour))
			require.NoError(t, err)
			require.Len(t, recent, 2)
			assert.True(t, recent[0].Timestamp.Equal(base.Add(time.Hour)))
		})
	}
}

func TestStore_ConcurrentTxSerializePerUser(t *testing.T) {
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			ctx := context.Background()
			uid := userID(t)

			_, err := st.GetOrCreateAccount(ctx, uid, d("0"))
			require.NoError(t, err)

			// Unsynchronized read-modify-write would lose increments.
			const workers = 20
			var wg sync.WaitGroup
			errs := make(chan error, workers)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					errs <- st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
						acct, err := tx.Account(ctx, d("0"))
						if err != nil {
							return err
						}
						return tx.UpdateCash(ctx, acct.CashBalance.Add(d("1.50")))
					})
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			acct, err := st.GetOrCreateAccount(ctx, uid, d("0"))
			require.NoError(t, err)
			assert.True(t, acct.CashBalance.Equal(d("30")), "cash = %s", acct.CashBalance)
		})
	}
}

func TestMemoryStore_CancelledContextDoesNotCommit(t *testing.T) {
	st := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	uid := "user1"

	err := st.WithTx(ctx, uid, func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.Account(ctx, d("50")); err != nil {
			return err
		}
		cancel()
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)

	positions, err := st.ListPositions(context.Background(), uid)
	require.NoError(t, err)
	assert.Empty(t, positions)

	acct, err := st.GetOrCreateAccount(context.Background(), uid, d("75"))
	require.NoError(t, err)
	assert.True(t, acct.CashBalance.Equal(d("75")), "account from cancelled tx must not exist")
}
