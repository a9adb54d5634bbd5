package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/papertrade/ledger-engine/internal/model"
)

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT and timestamps as unix milliseconds. The pool is limited to one
// connection, which makes every transaction a single-writer transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// migrates the schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS accounts (
  id           TEXT PRIMARY KEY,
  user_id      TEXT NOT NULL UNIQUE,
  cash_balance TEXT NOT NULL,
  created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
  id         TEXT PRIMARY KEY,
  user_id    TEXT NOT NULL,
  symbol     TEXT NOT NULL,
  shares     TEXT NOT NULL,
  avg_cost   TEXT NOT NULL,
  updated_at INTEGER NOT NULL,
  UNIQUE(user_id, symbol)
);

CREATE TABLE IF NOT EXISTS trades (
  seq         INTEGER PRIMARY KEY AUTOINCREMENT,
  id          TEXT NOT NULL UNIQUE,
  user_id     TEXT NOT NULL,
  symbol      TEXT NOT NULL,
  side        TEXT NOT NULL CHECK (side IN ('BUY', 'SELL')),
  quantity    TEXT NOT NULL,
  price       TEXT NOT NULL,
  notional    TEXT NOT NULL,
  executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user_time ON trades(user_id, executed_at);

CREATE TABLE IF NOT EXISTS snapshots (
  seq       INTEGER PRIMARY KEY AUTOINCREMENT,
  id        TEXT NOT NULL UNIQUE,
  user_id   TEXT NOT NULL,
  net_worth TEXT NOT NULL,
  ts_ms     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_snapshots_user_ts ON snapshots(user_id, ts_ms);
`)
	if err != nil {
		return fmt.Errorf("migrate sqlite: %w", err)
	}
	return nil
}

func (s *SQLiteStore) WithTx(ctx context.Context, userID string, fn TxFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, &sqliteTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	return sqliteAccount(ctx, s.db, userID, defaultCash)
}

func (s *SQLiteStore) ListPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, shares, avg_cost, updated_at
		 FROM positions WHERE user_id = ? ORDER BY symbol`, userID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *SQLiteStore) ListTrades(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, side, quantity, price, notional, executed_at
		 FROM trades WHERE user_id = ? ORDER BY executed_at DESC, seq DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var side, qtyS, priceS, notionalS string
		var executedMs int64
		if err := rows.Scan(&t.ID, &t.UserID, &t.Symbol, &side, &qtyS, &priceS, &notionalS, &executedMs); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)
		if err := parseTradeAmounts(&t, qtyS, priceS, notionalS); err != nil {
			return nil, err
		}
		t.ExecutedAt = time.UnixMilli(executedMs).UTC()
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *SQLiteStore) ListSnapshots(ctx context.Context, userID string, from time.Time) ([]model.Snapshot, error) {
	var fromMs int64
	if !from.IsZero() {
		fromMs = from.UnixMilli()
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, net_worth, ts_ms
		 FROM snapshots WHERE user_id = ? AND ts_ms >= ? ORDER BY ts_ms, seq`, userID, fromMs)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []model.Snapshot
	for rows.Next() {
		snap, err := scanSQLiteSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *snap)
	}
	return snaps, rows.Err()
}

// sqlQuerier is the subset of *sql.DB and *sql.Tx used by shared queries.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func sqliteAccount(ctx context.Context, q sqlQuerier, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	_, err := q.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, cash_balance, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id) DO NOTHING`,
		uuid.New().String(), userID, defaultCash.String(), time.Now().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", userID, err)
	}

	var a model.Account
	var cash string
	var createdMs int64
	err = q.QueryRowContext(ctx,
		`SELECT id, user_id, cash_balance, created_at FROM accounts WHERE user_id = ?`, userID).
		Scan(&a.ID, &a.UserID, &cash, &createdMs)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, err)
	}
	if a.CashBalance, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("account %s cash_balance %q: %w", userID, cash, err)
	}
	a.CreatedAt = time.UnixMilli(createdMs).UTC()
	return &a, nil
}

// sqliteTx implements Tx inside a database/sql transaction.
type sqliteTx struct {
	tx     *sql.Tx
	userID string
}

func (t *sqliteTx) Account(ctx context.Context, defaultCash decimal.Decimal) (*model.Account, error) {
	return sqliteAccount(ctx, t.tx, t.userID, defaultCash)
}

func (t *sqliteTx) UpdateCash(ctx context.Context, cash decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET cash_balance = ? WHERE user_id = ?`, cash.String(), t.userID)
	if err != nil {
		return fmt.Errorf("update cash %s: %w", t.userID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update cash %s: %w", t.userID, ErrNotFound)
	}
	return nil
}

func (t *sqliteTx) GetPosition(ctx context.Context, symbol string) (*model.Position, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, symbol, shares, avg_cost, updated_at
		 FROM positions WHERE user_id = ? AND symbol = ?`, t.userID, symbol)
	p, err := scanSQLitePosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

func (t *sqliteTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO positions (id, user_id, symbol, shares, avg_cost, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, symbol) DO UPDATE
		 SET shares = excluded.shares, avg_cost = excluded.avg_cost, updated_at = excluded.updated_at`,
		id, t.userID, p.Symbol, p.Shares.String(), p.AvgCost.String(), p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert position %s/%s: %w", t.userID, p.Symbol, err)
	}
	return nil
}

func (t *sqliteTx) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := t.tx.ExecContext(ctx,
		`DELETE FROM positions WHERE user_id = ? AND symbol = ?`, t.userID, symbol); err != nil {
		return fmt.Errorf("delete position %s/%s: %w", t.userID, symbol, err)
	}
	return nil
}

func (t *sqliteTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO trades (id, user_id, symbol, side, quantity, price, notional, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, t.userID, tr.Symbol, string(tr.Side),
		tr.Quantity.String(), tr.Price.String(), tr.Notional.String(),
		tr.ExecutedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert trade %s: %w", tr.ID, err)
	}
	return nil
}

func (t *sqliteTx) LatestSnapshot(ctx context.Context) (*model.Snapshot, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT id, user_id, net_worth, ts_ms
		 FROM snapshots WHERE user_id = ? ORDER BY ts_ms DESC, seq DESC LIMIT 1`, t.userID)
	snap, err := scanSQLiteSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return snap, err
}

func (t *sqliteTx) InsertSnapshot(ctx context.Context, snap *model.Snapshot) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, user_id, net_worth, ts_ms) VALUES (?, ?, ?, ?)`,
		snap.ID, t.userID, snap.NetWorth.String(), snap.Timestamp.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert snapshot %s: %w", snap.ID, err)
	}
	return nil
}

func scanSQLitePosition(row rowScanner) (*model.Position, error) {
	var p model.Position
	var shares, avgCost string
	var updatedMs int64
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &shares, &avgCost, &updatedMs); err != nil {
		return nil, err
	}
	var err error
	if p.Shares, err = decimal.NewFromString(shares); err != nil {
		return nil, fmt.Errorf("position %s shares %q: %w", p.ID, shares, err)
	}
	if p.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
		return nil, fmt.Errorf("position %s avg_cost %q: %w", p.ID, avgCost, err)
	}
	p.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	return &p, nil
}

func scanSQLiteSnapshot(row rowScanner) (*model.Snapshot, error) {
	var snap model.Snapshot
	var netWorth string
	var tsMs int64
	if err := row.Scan(&snap.ID, &snap.UserID, &netWorth, &tsMs); err != nil {
		return nil, err
	}
	var err error
	if snap.NetWorth, err = decimal.NewFromString(netWorth); err != nil {
		return nil, fmt.Errorf("snapshot %s net_worth %q: %w", snap.ID, netWorth, err)
	}
	snap.Timestamp = time.UnixMilli(tsMs).UTC()
	return &snap, nil
}

var _ Store = (*SQLiteStore)(nil)
