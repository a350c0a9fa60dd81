package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// ErrConflict is returned when creating a record whose ID already exists.
var ErrConflict = errors.New("store: record already exists")

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single token so each unit sees a
// consistent view; writes are staged and applied only on commit.
type MemoryStore struct {
	mu          sync.RWMutex
	txToken     chan struct{}
	accounts    map[string]*model.Account
	investments map[string]*model.Investment
	positions   map[string]*model.TradePosition
	ledger      []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		txToken:     make(chan struct{}, 1),
		accounts:    make(map[string]*model.Account),
		investments: make(map[string]*model.Investment),
		positions:   make(map[string]*model.TradePosition),
	}
	s.txToken <- struct{}{}
	return s
}

func (s *MemoryStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	// Fail fast instead of queueing forever behind a slow unit.
	select {
	case <-s.txToken:
	case <-ctx.Done():
		return fmt.Errorf("begin tx: %w", ctx.Err())
	}
	defer func() { s.txToken <- struct{}{} }()

	tx := &memTx{
		s:           s,
		accounts:    make(map[string]*model.Account),
		investments: make(map[string]*model.Investment),
		positions:   make(map[string]*model.TradePosition),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	tx.commit()

	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// --- Accounts ---

func (s *MemoryStore) CreateAccount(_ context.Context, a *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return fmt.Errorf("account %s: %w", a.ID, ErrConflict)
	}
	// Store a copy to avoid external mutation.
	copy := *a
	s.accounts[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, id string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, model.NotFound("account", id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetLedgerEntriesByAccount(_ context.Context, accountID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AccountID == accountID {
			result = append(result, e)
		}
	}
	return result, nil
}

// --- Investments ---

func (s *MemoryStore) GetInvestment(_ context.Context, id string) (*model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.investments[id]
	if !ok {
		return nil, model.NotFound("investment", id)
	}
	copy := *inv
	return &copy, nil
}

func (s *MemoryStore) ListInvestments(_ context.Context, accountID string) ([]model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Investment
	for _, inv := range s.investments {
		if inv.AccountID == accountID {
			result = append(result, *inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListDueInvestments(_ context.Context, asOf time.Time, limit int) ([]model.Investment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Investment
	for _, inv := range s.investments {
		if inv.Status != model.InvestmentActive || inv.NextPayoutDate == nil {
			continue
		}
		if !inv.NextPayoutDate.After(asOf) {
			result = append(result, *inv)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].NextPayoutDate.Before(*result[j].NextPayoutDate)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, id string) (*model.TradePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[id]
	if !ok {
		return nil, model.NotFound("position", id)
	}
	copy := *p
	return &copy, nil
}

func (s *MemoryStore) ListPositions(_ context.Context, accountID string) ([]model.TradePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradePosition
	for _, p := range s.positions {
		if p.AccountID == accountID {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (s *MemoryStore) ListOpenPositionsBySymbol(_ context.Context, symbol string) ([]model.TradePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradePosition
	for _, p := range s.positions {
		if p.Symbol == symbol && p.Status == model.PositionOpen {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func sortPositions(ps []model.TradePosition) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].ID > ps[j].ID
		}
		return ps[i].OpenedAt.After(ps[j].OpenedAt)
	})
}

// memTx stages writes until commit. Reads see staged rows first.
type memTx struct {
	s           *MemoryStore
	accounts    map[string]*model.Account
	investments map[string]*model.Investment
	positions   map[string]*model.TradePosition
	ledger      []model.LedgerEntry
	hooks       []func()
}

func (t *memTx) commit() {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	for id, a := range t.accounts {
		t.s.accounts[id] = a
	}
	for id, inv := range t.investments {
		t.s.investments[id] = inv
	}
	for id, p := range t.positions {
		t.s.positions[id] = p
	}
	t.s.ledger = append(t.s.ledger, t.ledger...)
}

func (t *memTx) GetAccountForUpdate(_ context.Context, id string) (*model.Account, error) {
	if a, ok := t.accounts[id]; ok {
		copy := *a
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	a, ok := t.s.accounts[id]
	if !ok {
		return nil, model.NotFound("account", id)
	}
	copy := *a
	return &copy, nil
}

func (t *memTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	a, err := t.GetAccountForUpdate(ctx, id)
	if err != nil {
		return err
	}
	a.Balance = balance
	a.UpdatedAt = at
	t.accounts[id] = a
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	t.ledger = append(t.ledger, *entry)
	return nil
}

func (t *memTx) InsertInvestment(_ context.Context, inv *model.Investment) error {
	t.s.mu.RLock()
	_, exists := t.s.investments[inv.ID]
	t.s.mu.RUnlock()
	if _, staged := t.investments[inv.ID]; exists || staged {
		return fmt.Errorf("investment %s: %w", inv.ID, ErrConflict)
	}
	copy := *inv
	t.investments[inv.ID] = &copy
	return nil
}

func (t *memTx) GetInvestmentForUpdate(_ context.Context, id string) (*model.Investment, error) {
	if inv, ok := t.investments[id]; ok {
		copy := *inv
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	inv, ok := t.s.investments[id]
	if !ok {
		return nil, model.NotFound("investment", id)
	}
	copy := *inv
	return &copy, nil
}

func (t *memTx) UpdateInvestment(ctx context.Context, inv *model.Investment) error {
	if _, err := t.GetInvestmentForUpdate(ctx, inv.ID); err != nil {
		return err
	}
	copy := *inv
	t.investments[inv.ID] = &copy
	return nil
}

func (t *memTx) InsertPosition(_ context.Context, p *model.TradePosition) error {
	t.s.mu.RLock()
	_, exists := t.s.positions[p.ID]
	t.s.mu.RUnlock()
	if _, staged := t.positions[p.ID]; exists || staged {
		return fmt.Errorf("position %s: %w", p.ID, ErrConflict)
	}
	copy := *p
	t.positions[p.ID] = &copy
	return nil
}

func (t *memTx) GetPositionForUpdate(_ context.Context, id string) (*model.TradePosition, error) {
	if p, ok := t.positions[id]; ok {
		copy := *p
		return &copy, nil
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()

	p, ok := t.s.positions[id]
	if !ok {
		return nil, model.NotFound("position", id)
	}
	copy := *p
	return &copy, nil
}

func (t *memTx) UpdatePosition(ctx context.Context, p *model.TradePosition) error {
	if _, err := t.GetPositionForUpdate(ctx, p.ID); err != nil {
		return err
	}
	copy := *p
	t.positions[p.ID] = &copy
	return nil
}

func (t *memTx) ListOpenPositions(_ context.Context, accountID string) ([]model.TradePosition, error) {
	seen := make(map[string]bool)
	var result []model.TradePosition
	for id, p := range t.positions {
		seen[id] = true
		if p.AccountID == accountID && p.Status == model.PositionOpen {
			result = append(result, *p)
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for id, p := range t.s.positions {
		if seen[id] {
			continue
		}
		if p.AccountID == accountID && p.Status == model.PositionOpen {
			result = append(result, *p)
		}
	}
	sortPositions(result)
	return result, nil
}

func (t *memTx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}
