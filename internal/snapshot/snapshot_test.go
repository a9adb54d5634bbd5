package snapshot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/papertrade/ledger-engine/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newPolicy(t *testing.T) (*Policy, *store.MemoryStore, *fakeClock) {
	t.Helper()
	st := store.NewMemoryStore()
	clock := &fakeClock{t: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC)}
	return NewPolicy(st, 60*time.Minute, WithClock(clock.Now)), st, clock
}

func TestMaybeSnapshot_FirstCallWrites(t *testing.T) {
	p, st, clock := newPolicy(t)
	ctx := context.Background()

	snap, written, err := p.MaybeSnapshot(ctx, "u1", decimal.RequireFromString("100000.004"))
	require.NoError(t, err)
	require.True(t, written)
	assert.True(t, snap.NetWorth.Equal(decimal.RequireFromString("100000")))
	assert.Equal(t, clock.Now(), snap.Timestamp)

	all, err := st.ListSnapshots(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMaybeSnapshot_ThrottledWithinInterval(t *testing.T) {
	p, st, clock := newPolicy(t)
	ctx := context.Background()

	first, _, err := p.MaybeSnapshot(ctx, "u1", decimal.NewFromInt(100))
	require.NoError(t, err)

	clock.Advance(59 * time.Minute)
	snap, written, err := p.MaybeSnapshot(ctx, "u1", decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.False(t, written)
	assert.Equal(t, first.ID, snap.ID)
	assert.True(t, snap.NetWorth.Equal(decimal.NewFromInt(100)), "latest snapshot must be returned unmodified")

	all, err := st.ListSnapshots(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestMaybeSnapshot_WritesAfterInterval(t *testing.T) {
	p, _, clock := newPolicy(t)
	ctx := context.Background()

	_, _, err := p.MaybeSnapshot(ctx, "u1", decimal.NewFromInt(100))
	require.NoError(t, err)

	clock.Advance(60 * time.Minute)
	snap, written, err := p.MaybeSnapshot(ctx, "u1", decimal.NewFromInt(250))
	require.NoError(t, err)
	assert.True(t, written)
	assert.True(t, snap.NetWorth.Equal(decimal.NewFromInt(250)))

	all, err := p.List(ctx, "u1", time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, all[0].Timestamp.Before(all[1].Timestamp))

	recent, err := p.List(ctx, "u1", clock.Now())
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestMaybeSnapshot_UsersAreIndependent(t *testing.T) {
	p, _, _ := newPolicy(t)
	ctx := context.Background()

	_, w1, err := p.MaybeSnapshot(ctx, "u1", decimal.NewFromInt(1))
	require.NoError(t, err)
	_, w2, err := p.MaybeSnapshot(ctx, "u2", decimal.NewFromInt(2))
	require.NoError(t, err)
	assert.True(t, w1)
	assert.True(t, w2)
}

func TestMaybeSnapshot_ConcurrentCallsWriteOnce(t *testing.T) {
	p, st, _ := newPolicy(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := p.MaybeSnapshot(ctx, "u1", decimal.NewFromInt(int64(1000+i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all, err := st.ListSnapshots(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestList_EmptyIsNotNil(t *testing.T) {
	p, _, _ := newPolicy(t)
	snaps, err := p.List(context.Background(), "nobody", time.Time{})
	require.NoError(t, err)
	assert.NotNil(t, snaps)
	assert.Empty(t, snaps)
}

func TestNewPolicy_DefaultInterval(t *testing.T) {
	p := NewPolicy(store.NewMemoryStore(), 0)
	assert.Equal(t, DefaultInterval, p.Interval())
}
