// Package snapshot records a user's net worth over time, at most once per
// interval.
//
// The policy keeps no state of its own: whether a snapshot is due is always
// decided from the latest stored row, read inside the user's store
// transaction, so concurrent callers for one user write at most one row per
// interval.
package snapshot

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/ledger"
	"github.com/papertrade/ledger-engine/internal/model"
	"github.com/papertrade/ledger-engine/internal/store"
)

// DefaultInterval is the minimum spacing between two snapshots of one user.
const DefaultInterval = 60 * time.Minute

// Policy decides when to append a net-worth snapshot.
type Policy struct {
	store    store.Store
	interval time.Duration
	now      func() time.Time
}

// Option configures a Policy.
type Option func(*Policy)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates a snapshot policy. A non-positive interval uses
// DefaultInterval.
func NewPolicy(st store.Store, interval time.Duration, opts ...Option) *Policy {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Policy{
		store:    st,
		interval: interval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Interval returns the configured snapshot spacing.
func (p *Policy) Interval() time.Duration { return p.interval }

// MaybeSnapshot appends a snapshot of netWorth if the user has none yet or
// the latest one is at least one interval old. It returns the snapshot that
// is now the latest and whether it was written by this call.
func (p *Policy) MaybeSnapshot(ctx context.Context, userID string, netWorth decimal.Decimal) (*model.Snapshot, bool, error) {
	var (
		result  *model.Snapshot
		written bool
	)
	err := p.store.WithTx(ctx, userID, func(ctx context.Context, tx store.Tx) error {
		now := p.now().UTC()

		latest, err := tx.LatestSnapshot(ctx)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			return err
		case now.Sub(latest.Timestamp) < p.interval:
			result = latest
			return nil
		}

		snap := &model.Snapshot{
			ID:        uuid.New().String(),
			UserID:    userID,
			NetWorth:  ledger.Round2(netWorth),
			Timestamp: now,
		}
		if err := tx.InsertSnapshot(ctx, snap); err != nil {
			return err
		}
		result = snap
		written = true
		return nil
	})
	if err != nil {
		return nil, false, ledger.Persistence("snapshot", err)
	}
	return result, written, nil
}

// List returns the user's snapshots at or after from, oldest first. A zero
// from returns the full history.
func (p *Policy) List(ctx context.Context, userID string, from time.Time) ([]model.Snapshot, error) {
	snaps, err := p.store.ListSnapshots(ctx, userID, from)
	if err != nil {
		return nil, ledger.Persistence("list snapshots", err)
	}
	if snaps == nil {
		snaps = []model.Snapshot{}
	}
	return snaps, nil
}
