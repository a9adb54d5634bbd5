package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions take a per-user lock and stage their writes; staged writes
// are applied under the store lock only when the transaction body succeeds.
type MemoryStore struct {
	mu        sync.RWMutex
	accounts  map[string]*model.Account
	positions map[string]map[string]*model.Position // userID → symbol → position
	trades    []model.Trade
	snapshots []model.Snapshot

	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		positions: make(map[string]map[string]*model.Position),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

func (s *MemoryStore) WithTx(ctx context.Context, userID string, fn TxFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	tx := &memTx{
		s:         s,
		userID:    userID,
		positions: make(map[string]*model.Position),
		deleted:   make(map[string]bool),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	// A cancelled caller must not observe a half-applied commit, and a
	// commit that starts is applied in full.
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) GetOrCreateAccount(ctx context.Context, userID string, defaultCash decimal.Decimal) (*model.Account, error) {
	var acct *model.Account
	err := s.WithTx(ctx, userID, func(ctx context.Context, tx Tx) error {
		a, err := tx.Account(ctx, defaultCash)
		acct = a
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, userID string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions[userID]))
	for _, p := range s.positions[userID] {
		positions = append(positions, *p)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })
	return positions, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, userID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if s.trades[i].UserID != userID {
			continue
		}
		result = append(result, s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context, userID string, from time.Time) ([]model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Snapshot
	for _, snap := range s.snapshots {
		if snap.UserID != userID {
			continue
		}
		if !from.IsZero() && snap.Timestamp.Before(from) {
			continue
		}
		result = append(result, snap)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })
	return result, nil
}

func (s *MemoryStore) Close() error { return nil }

// memTx stages writes for one user until commit.
type memTx struct {
	s      *MemoryStore
	userID string

	account    *model.Account
	accountNew bool
	cashDirty  bool

	positions map[string]*model.Position
	deleted   map[string]bool
	trades    []model.Trade
	snapshots []model.Snapshot
}

func (tx *memTx) Account(_ context.Context, defaultCash decimal.Decimal) (*model.Account, error) {
	if tx.account == nil {
		tx.s.mu.RLock()
		existing, ok := tx.s.accounts[tx.userID]
		if ok {
			a := *existing
			tx.account = &a
		}
		tx.s.mu.RUnlock()

		if !ok {
			tx.account = &model.Account{
				ID:          uuid.New().String(),
				UserID:      tx.userID,
				CashBalance: defaultCash,
				CreatedAt:   time.Now().UTC(),
			}
			tx.accountNew = true
		}
	}
	a := *tx.account
	return &a, nil
}

func (tx *memTx) UpdateCash(ctx context.Context, cash decimal.Decimal) error {
	if tx.account == nil {
		if _, err := tx.Account(ctx, decimal.Zero); err != nil {
			return err
		}
	}
	tx.account.CashBalance = cash
	tx.cashDirty = true
	return nil
}

func (tx *memTx) GetPosition(_ context.Context, symbol string) (*model.Position, error) {
	if tx.deleted[symbol] {
		return nil, ErrNotFound
	}
	if p, ok := tx.positions[symbol]; ok {
		copy := *p
		return &copy, nil
	}

	tx.s.mu.RLock()
	defer tx.s.mu.RUnlock()
	p, ok := tx.s.positions[tx.userID][symbol]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	copy := *p
	copy.UserID = tx.userID
	if copy.ID == "" {
		copy.ID = uuid.New().String()
	}
	tx.positions[p.Symbol] = &copy
	delete(tx.deleted, p.Symbol)
	return nil
}

func (tx *memTx) DeletePosition(_ context.Context, symbol string) error {
	delete(tx.positions, symbol)
	tx.deleted[symbol] = true
	return nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	copy := *t
	copy.UserID = tx.userID
	tx.trades = append(tx.trades, copy)
	return nil
}

func (tx *memTx) LatestSnapshot(_ context.Context) (*model.Snapshot, error) {
	var latest *model.Snapshot
	consider := func(snap model.Snapshot) {
		if latest == nil || !snap.Timestamp.Before(latest.Timestamp) {
			s := snap
			latest = &s
		}
	}

	tx.s.mu.RLock()
	for _, snap := range tx.s.snapshots {
		if snap.UserID == tx.userID {
			consider(snap)
		}
	}
	tx.s.mu.RUnlock()
	for _, snap := range tx.snapshots {
		consider(snap)
	}

	if latest == nil {
		return nil, ErrNotFound
	}
	return latest, nil
}

func (tx *memTx) InsertSnapshot(_ context.Context, snap *model.Snapshot) error {
	copy := *snap
	copy.UserID = tx.userID
	tx.snapshots = append(tx.snapshots, copy)
	return nil
}

func (tx *memTx) commit() {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx.account != nil && (tx.accountNew || tx.cashDirty) {
		a := *tx.account
		s.accounts[tx.userID] = &a
	}

	userPositions := s.positions[tx.userID]
	if userPositions == nil {
		userPositions = make(map[string]*model.Position)
		s.positions[tx.userID] = userPositions
	}
	for symbol := range tx.deleted {
		delete(userPositions, symbol)
	}
	for symbol, p := range tx.positions {
		userPositions[symbol] = p
	}

	s.trades = append(s.trades, tx.trades...)
	s.snapshots = append(s.snapshots, tx.snapshots...)
}

var _ Store = (*MemoryStore)(nil)
