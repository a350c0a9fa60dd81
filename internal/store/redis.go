package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for the query side. Writes go to the primary store inside a
// transaction; the keys of every touched account are invalidated once the
// transaction commits. Transactional reads (ForUpdate) never hit the cache.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache after commit) ---

func (s *CachedStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.primary.RunInTx(ctx, func(ctx context.Context, tx Tx) error {
		ctx2 := context.WithoutCancel(ctx)
		ct := &cachedTx{Tx: tx, touched: make(map[string]struct{})}
		tx.OnCommit(func() { s.invalidate(ctx2, ct.touched) })
		return fn(ctx, ct)
	})
}

func (s *CachedStore) CreateAccount(ctx context.Context, a *model.Account) error {
	if err := s.primary.CreateAccount(ctx, a); err != nil {
		return err
	}
	s.rdb.Del(ctx, accountKey(a.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	var a model.Account
	if s.getJSON(ctx, accountKey(id), &a) {
		return &a, nil
	}

	acct, err := s.primary.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, accountKey(id), acct)
	return acct, nil
}

func (s *CachedStore) ListInvestments(ctx context.Context, accountID string) ([]model.Investment, error) {
	var investments []model.Investment
	if s.getJSON(ctx, investmentsKey(accountID), &investments) {
		return investments, nil
	}

	investments, err := s.primary.ListInvestments(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, investmentsKey(accountID), investments)
	return investments, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, accountID string) ([]model.TradePosition, error) {
	var positions []model.TradePosition
	if s.getJSON(ctx, positionsKey(accountID), &positions) {
		return positions, nil
	}

	positions, err := s.primary.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	s.setJSON(ctx, positionsKey(accountID), positions)
	return positions, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByAccount(ctx, accountID)
}

func (s *CachedStore) GetInvestment(ctx context.Context, id string) (*model.Investment, error) {
	return s.primary.GetInvestment(ctx, id)
}

func (s *CachedStore) ListDueInvestments(ctx context.Context, asOf time.Time, limit int) ([]model.Investment, error) {
	return s.primary.ListDueInvestments(ctx, asOf, limit)
}

func (s *CachedStore) GetPosition(ctx context.Context, id string) (*model.TradePosition, error) {
	return s.primary.GetPosition(ctx, id)
}

func (s *CachedStore) ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]model.TradePosition, error) {
	return s.primary.ListOpenPositionsBySymbol(ctx, symbol)
}

// cachedTx records which accounts a transaction wrote to.
type cachedTx struct {
	Tx
	touched map[string]struct{}
}

func (t *cachedTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	t.touched[id] = struct{}{}
	return t.Tx.UpdateAccountBalance(ctx, id, balance, at)
}

func (t *cachedTx) InsertInvestment(ctx context.Context, inv *model.Investment) error {
	t.touched[inv.AccountID] = struct{}{}
	return t.Tx.InsertInvestment(ctx, inv)
}

func (t *cachedTx) UpdateInvestment(ctx context.Context, inv *model.Investment) error {
	t.touched[inv.AccountID] = struct{}{}
	return t.Tx.UpdateInvestment(ctx, inv)
}

func (t *cachedTx) InsertPosition(ctx context.Context, p *model.TradePosition) error {
	t.touched[p.AccountID] = struct{}{}
	return t.Tx.InsertPosition(ctx, p)
}

func (t *cachedTx) UpdatePosition(ctx context.Context, p *model.TradePosition) error {
	t.touched[p.AccountID] = struct{}{}
	return t.Tx.UpdatePosition(ctx, p)
}

// --- Cache helpers ---

func (s *CachedStore) invalidate(ctx context.Context, accountIDs map[string]struct{}) {
	if len(accountIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(accountIDs)*3)
	for id := range accountIDs {
		keys = append(keys, accountKey(id), investmentsKey(id), positionsKey(id))
	}
	s.rdb.Del(ctx, keys...)
}

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func accountKey(id string) string     { return fmt.Sprintf("account:%s", id) }
func investmentsKey(id string) string { return fmt.Sprintf("investments:%s", id) }
func positionsKey(id string) string   { return fmt.Sprintf("positions:%s", id) }
