// Package store defines the ledger persistence interface.
// Implementations include PostgreSQL (source of truth), SQLite (single-node),
// Redis (read-through cache over either) and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// ErrNotFound is returned when a position or snapshot does not exist.
var ErrNotFound = errors.New("store: not found")

// TxFunc is the body of a ledger transaction. Returning an error rolls back
// every write made through tx; the error is returned unchanged by WithTx.
type TxFunc func(ctx context.Context, tx Tx) error

// Store is the ledger persistence interface.
type Store interface {
	// WithTx runs fn atomically for one user. At most one transaction per
	// user is in flight at a time; transactions for different users do not
	// wait on each other unless the backend has a single writer.
	WithTx(ctx context.Context, userID string, fn TxFunc) error

	// GetOrCreateAccount returns the user's account, creating it with
	// defaultCash on first access.
	GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error)

	// ListPositions returns the user's open positions ordered by symbol.
	ListPositions(ctx context.Context, userID string) ([]model.Position, error)

	// ListTrades returns the user's trades, newest first. limit <= 0 means all.
	ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error)

	// ListSnapshots returns the user's snapshots at or after from, oldest first.
	// A zero from returns all of them.
	ListSnapshots(ctx context.Context, userID string, from time.Time) ([]model.Snapshot, error)

	Close() error
}

// Tx is a transaction bound to a single user. Records passed in are stored
// under that user regardless of their UserID field.
type Tx interface {
	// --- Account ---

	// Account returns the user's account, creating it with defaultCash if absent.
	Account(ctx context.Context, defaultCash decimal.Decimal) (*model.Account, error)

	// UpdateCash sets the account's cash balance.
	UpdateCash(ctx context.Context, cash decimal.Decimal) error

	// --- Positions ---

	// GetPosition returns ErrNotFound when the user holds no shares of symbol.
	GetPosition(ctx context.Context, symbol string) (*model.Position, error)

	// UpsertPosition creates or replaces the (user, symbol) position.
	UpsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes the (user, symbol) position.
	DeletePosition(ctx context.Context, symbol string) error

	// --- Append-only logs ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// LatestSnapshot returns ErrNotFound when the user has no snapshot yet.
	LatestSnapshot(ctx context.Context) (*model.Snapshot, error)

	// InsertSnapshot appends a snapshot.
	InsertSnapshot(ctx context.Context, s *model.Snapshot) error
}

// parseTradeAmounts decodes the decimal columns of a trade row.
func parseTradeAmounts(t *model.Trade, qty, price, notional string) error {
	var err error
	if t.Quantity, err = decimal.NewFromString(qty); err != nil {
		return fmt.Errorf("trade %s quantity %q: %w", t.ID, qty, err)
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return fmt.Errorf("trade %s price %q: %w", t.ID, price, err)
	}
	if t.Notional, err = decimal.NewFromString(notional); err != nil {
		return fmt.Errorf("trade %s notional %q: %w", t.ID, notional, err)
	}
	return nil
}
