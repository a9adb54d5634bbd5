package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// WithTx serializes transactions per user with a transaction-scoped advisory
// lock on hashtext(user_id), so the account, position, trade and snapshot
// rows of one user are only ever written by one transaction at a time.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS accounts (
  id           TEXT PRIMARY KEY,
  user_id      TEXT NOT NULL UNIQUE,
  cash_balance NUMERIC(20,2) NOT NULL CHECK (cash_balance >= 0),
  created_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  symbol     TEXT NOT NULL,
  shares     NUMERIC(24,4) NOT NULL CHECK (shares > 0),
  avg_cost   NUMERIC(20,2) NOT NULL CHECK (avg_cost >= 0),
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS trades (
  id          TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL,
  symbol      TEXT NOT NULL,
  side        TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
  quantity    NUMERIC(24,4) NOT NULL CHECK (quantity > 0),
  price       NUMERIC(20,2) NOT NULL CHECK (price > 0),
  notional    NUMERIC(20,2) NOT NULL,
  executed_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, executed_at DESC);

CREATE TABLE IF NOT EXISTS snapshots (
  id        TEXT PRIMARY KEY,
  user_id   TEXT NOT NULL,
  net_worth NUMERIC(20,2) NOT NULL,
  ts        TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_user_ts ON snapshots(user_id, ts);
`

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) WithTx(ctx context.Context, userID string, fn TxFunc) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock user %s: %w", userID, err)
	}

	if err := fn(ctx, &pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	return getOrCreateAccount(ctx, s.pool, userID, defaultCash)
}

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, shares::TEXT, avg_cost::TEXT, updated_at
		 FROM positions WHERE user_id = $1 ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	query := `SELECT id, user_id, symbol, side, quantity::TEXT, price::TEXT, notional::TEXT, executed_at
		 FROM trades WHERE user_id = $1 ORDER BY executed_at DESC, id DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, userID string, from time.Time) ([]model.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, net_worth::TEXT, ts
		 FROM snapshots WHERE user_id = $1 AND ts >= $2 ORDER BY ts`, userID, from.UTC())
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// pgQuerier is the subset of pgxpool.Pool and pgx.Tx used by shared queries.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getOrCreateAccount(ctx context.Context, q pgQuerier, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	_, err := q.Exec(ctx,
		`INSERT INTO accounts (id, user_id, cash_balance, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)
		 ON CONFLICT (user_id) DO NOTHING`,
		uuid.New().String(), userID, defaultCash.String(), time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}

	var a model.Account
	var cash string
	err = q.QueryRow(ctx,
		`SELECT id, user_id, cash_balance::TEXT, created_at FROM accounts WHERE user_id = $1`, userID).
		Scan(&a.ID, &a.UserID, &cash, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	a.CashBalance, err = decimal.NewFromString(cash)
	if err != nil {
		return nil, fmt.Errorf("account %s cash_balance %q: %w", userID, cash, err)
	}
	return &a, nil
}

// pgTx implements Tx inside a pgx transaction.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Account(ctx context.Context, defaultCash decimal.Decimal) (*model.Account, error) {
	return getOrCreateAccount(ctx, t.tx, t.userID, defaultCash)
}

func (t *pgTx) UpdateCash(ctx context.Context, cash decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE accounts SET cash_balance = $2::NUMERIC WHERE user_id = $1`,
		t.userID, cash.String())
	if err != nil {
		return fmt.Errorf("update cash %s: %w", t.userID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update cash %s: %w", t.userID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, user_id, symbol, shares::TEXT, avg_cost::TEXT, updated_at
		 FROM positions WHERE user_id = $1 AND symbol = $2`, t.userID, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (t *pgTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, shares, avg_cost, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (user_id, symbol) DO UPDATE
		 SET shares = EXCLUDED.shares, avg_cost = EXCLUDED.avg_cost, updated_at = EXCLUDED.updated_at`,
		id, t.userID, p.Symbol, p.Shares.String(), p.AvgCost.String(), p.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", t.userID, p.Symbol, err)
	}
	return nil
}

func (t *pgTx) DeletePosition(ctx context.Context, symbol string) error {
	_, err := t.tx.Exec(ctx,
		`DELETE FROM positions WHERE user_id = $1 AND symbol = $2`, t.userID, symbol)
	if err != nil {
		return fmt.Errorf("delete position %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO trades (id, user_id, symbol, side, quantity, price, notional, executed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		tr.ID, t.userID, tr.Symbol, string(tr.Side),
		tr.Quantity.String(), tr.Price.String(), tr.Notional.String(),
		tr.ExecutedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *pgTx) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	row := t.tx.QueryRow(ctx,
		`SELECT id, user_id, net_worth::TEXT, ts
		 FROM snapshots WHERE user_id = $1 ORDER BY ts DESC LIMIT 1`, t.userID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

func (t *pgTx) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO snapshots (id, user_id, net_worth, ts) VALUES ($1, $2, $3::NUMERIC, $4)`,
		snap.ID, t.userID, snap.NetWorth.String(), snap.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

// --- Row scanning ---

// rowScanner is satisfied by pgx.Row, pgx.Rows and *sql.Row(s).
type rowScanner interface {
	Scan(dest ...any) error
}

// pgxRows reads pgx rows into slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanPosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var shares, avgCost string
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &shares, &avgCost, &p.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if p.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("position %s shares %q: %w", p.ID, shares, err)
	}
	if p.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
		return nil, fmt.Errorf("position %s avg_cost %q: %w", p.ID, avgCost, err)
	}
	return &p, nil
}

func scanSnapshot(row rowScanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var netWorth string
	if err := row.Scan(&snap.ID, &snap.UserID, &netWorth, &snap.Timestamp); err != nil {
		return nil, err
	}
	var err error
	if snap.NetWorth, err = decimal.NewFromString(netWorth); err != nil {
		return nil, fmt.Errorf("snapshot %s net_worth %q: %w", snap.ID, netWorth, err)
	}
	return &snap, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS, notionalS string

		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side,
			&qtyS, &priceS, &notionalS, &t.ExecutedAt); err != nil {
			return nil, err
		}

		t.Side = model.Side(side)
		if err := parseTradeAmounts(&t, qtyS, priceS, notionalS); err != nil {
			return nil, err
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
