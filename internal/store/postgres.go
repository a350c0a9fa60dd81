package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Row locks (SELECT ... FOR UPDATE) give per-account and per-investment
// serialization; lock waits are bounded by lockTimeout.
type PostgresStore struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pool: pool, lockTimeout: lockTimeout}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if s.lockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.lockTimeout.Milliseconds())); err != nil {
			return fmt.Errorf("set lock timeout: %w", err)
		}
	}

	ptx := &pgTx{q: tx}
	if err := fn(ctx, ptx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true

	for _, hook := range ptx.hooks {
		hook()
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, balance, initial_balance, created_at, updated_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5)`,
		a.ID, a.Balance.String(), a.InitialBalance.String(), a.CreatedAt, a.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", a.ID, ErrConflict)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, s.pool, id, "")
}

func (s *PostgresStore) GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, delta::TEXT, balance_after::TEXT, reason, reference_id, timestamp
		 FROM ledger_entries WHERE account_id = $1 ORDER BY timestamp, id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var deltaS, afterS string
		if err := rows.Scan(&e.ID, &e.AccountID, &deltaS, &afterS, &e.Reason, &e.ReferenceID, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Delta, _ = decimal.NewFromString(deltaS)
		e.BalanceAfter, _ = decimal.NewFromString(afterS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Investments ---

func (s *PostgresStore) GetInvestment(ctx context.Context, id string) (*model.Investment, error) {
	return getInvestment(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListInvestments(ctx context.Context, accountID string) ([]model.Investment, error) {
	rows, err := s.pool.Query(ctx,
		investmentSelect+` WHERE account_id = $1 ORDER BY created_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvestments(rows)
}

func (s *PostgresStore) ListDueInvestments(ctx context.Context, asOf time.Time, limit int) ([]model.Investment, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		investmentSelect+` WHERE status = 'active' AND next_payout_date IS NOT NULL AND next_payout_date <= $1
		 ORDER BY next_payout_date LIMIT $2`, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInvestments(rows)
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.TradePosition, error) {
	return getPosition(ctx, s.pool, id, "")
}

func (s *PostgresStore) ListPositions(ctx context.Context, accountID string) ([]model.TradePosition, error) {
	rows, err := s.pool.Query(ctx,
		positionSelect+` WHERE account_id = $1 ORDER BY opened_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]model.TradePosition, error) {
	rows, err := s.pool.Query(ctx,
		positionSelect+` WHERE symbol = $1 AND status = 'open' ORDER BY opened_at DESC, id DESC`, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// pgTx implements Tx on top of a pgx transaction.
type pgTx struct {
	q     querier
	hooks []func()
}

func (t *pgTx) GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error) {
	return getAccount(ctx, t.q, id, " FOR UPDATE")
}

func (t *pgTx) UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE accounts SET balance = $2::NUMERIC, updated_at = $3 WHERE id = $1`,
		id, balance.String(), at)
	if err != nil {
		return fmt.Errorf("update balance %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFound("account", id)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, account_id, delta, balance_after, reason, reference_id, timestamp)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7)`,
		e.ID, e.AccountID, e.Delta.String(), e.BalanceAfter.String(), e.Reason, e.ReferenceID, e.Timestamp,
	)
	return err
}

func (t *pgTx) InsertInvestment(ctx context.Context, inv *model.Investment) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO investments (id, account_id, plan_id, principal, roi_percent, duration_days,
		                          return_principal, status, start_date, end_date, last_payout_date,
		                          next_payout_date, total_earned, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12, $13::NUMERIC, $14, $15)`,
		inv.ID, inv.AccountID, inv.PlanID, inv.Principal.String(), inv.ROIPercent.String(), inv.DurationDays,
		inv.ReturnPrincipal, string(inv.Status), inv.StartDate, inv.EndDate, inv.LastPayoutDate,
		inv.NextPayoutDate, inv.TotalEarned.String(), inv.CreatedAt, inv.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("investment %s: %w", inv.ID, ErrConflict)
	}
	return err
}

func (t *pgTx) GetInvestmentForUpdate(ctx context.Context, id string) (*model.Investment, error) {
	return getInvestment(ctx, t.q, id, " FOR UPDATE")
}

func (t *pgTx) UpdateInvestment(ctx context.Context, inv *model.Investment) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE investments
		 SET status = $2, start_date = $3, end_date = $4, last_payout_date = $5,
		     next_payout_date = $6, total_earned = $7::NUMERIC, updated_at = $8
		 WHERE id = $1`,
		inv.ID, string(inv.Status), inv.StartDate, inv.EndDate, inv.LastPayoutDate,
		inv.NextPayoutDate, inv.TotalEarned.String(), inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update investment %s: %w", inv.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFound("investment", inv.ID)
	}
	return nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.TradePosition) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (id, account_id, symbol, side, size, entry_price, leverage, stop_loss,
		                        take_profit, status, close_price, realized_pnl, liquidated, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8::NUMERIC, $9::NUMERIC, $10,
		         $11::NUMERIC, $12::NUMERIC, $13, $14, $15)`,
		p.ID, p.AccountID, p.Symbol, string(p.Side), p.Size.String(), p.EntryPrice.String(), p.Leverage,
		decimalPtrString(p.StopLoss), decimalPtrString(p.TakeProfit), string(p.Status),
		decimalPtrString(p.ClosePrice), decimalPtrString(p.RealizedPnL), p.Liquidated, p.OpenedAt, p.ClosedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("position %s: %w", p.ID, ErrConflict)
	}
	return err
}

func (t *pgTx) GetPositionForUpdate(ctx context.Context, id string) (*model.TradePosition, error) {
	return getPosition(ctx, t.q, id, " FOR UPDATE")
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.TradePosition) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE positions
		 SET status = $2, close_price = $3::NUMERIC, realized_pnl = $4::NUMERIC,
		     liquidated = $5, closed_at = $6
		 WHERE id = $1`,
		p.ID, string(p.Status), decimalPtrString(p.ClosePrice), decimalPtrString(p.RealizedPnL),
		p.Liquidated, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NotFound("position", p.ID)
	}
	return nil
}

func (t *pgTx) ListOpenPositions(ctx context.Context, accountID string) ([]model.TradePosition, error) {
	rows, err := t.q.Query(ctx,
		positionSelect+` WHERE account_id = $1 AND status = 'open' ORDER BY opened_at DESC, id DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *pgTx) OnCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

// --- Row helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func getAccount(ctx context.Context, q querier, id, lock string) (*model.Account, error) {
	var a model.Account
	var balanceS, initialS string
	err := q.QueryRow(ctx,
		`SELECT id, balance::TEXT, initial_balance::TEXT, created_at, updated_at
		 FROM accounts WHERE id = $1`+lock, id).
		Scan(&a.ID, &balanceS, &initialS, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFound("account", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", id, err)
	}
	a.Balance, _ = decimal.NewFromString(balanceS)
	a.InitialBalance, _ = decimal.NewFromString(initialS)
	return &a, nil
}

const investmentSelect = `SELECT id, account_id, plan_id, principal::TEXT, roi_percent::TEXT, duration_days,
	        return_principal, status, start_date, end_date, last_payout_date, next_payout_date,
	        total_earned::TEXT, created_at, updated_at
	 FROM investments`

func getInvestment(ctx context.Context, q querier, id, lock string) (*model.Investment, error) {
	inv, err := scanInvestment(q.QueryRow(ctx, investmentSelect+` WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFound("investment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get investment %s: %w", id, err)
	}
	return inv, nil
}

func scanInvestment(row rowScanner) (*model.Investment, error) {
	var inv model.Investment
	var principalS, roiS, earnedS, status string
	if err := row.Scan(&inv.ID, &inv.AccountID, &inv.PlanID, &principalS, &roiS, &inv.DurationDays,
		&inv.ReturnPrincipal, &status, &inv.StartDate, &inv.EndDate, &inv.LastPayoutDate,
		&inv.NextPayoutDate, &earnedS, &inv.CreatedAt, &inv.UpdatedAt); err != nil {
		return nil, err
	}
	inv.Status = model.InvestmentStatus(status)
	inv.Principal, _ = decimal.NewFromString(principalS)
	inv.ROIPercent, _ = decimal.NewFromString(roiS)
	inv.TotalEarned, _ = decimal.NewFromString(earnedS)
	return &inv, nil
}

func scanInvestments(rows pgx.Rows) ([]model.Investment, error) {
	var result []model.Investment
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *inv)
	}
	return result, rows.Err()
}

const positionSelect = `SELECT id, account_id, symbol, side, size::TEXT, entry_price::TEXT, leverage,
	        stop_loss::TEXT, take_profit::TEXT, status, close_price::TEXT, realized_pnl::TEXT,
	        liquidated, opened_at, closed_at
	 FROM positions`

func getPosition(ctx context.Context, q querier, id, lock string) (*model.TradePosition, error) {
	p, err := scanPosition(q.QueryRow(ctx, positionSelect+` WHERE id = $1`+lock, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.NotFound("position", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get position %s: %w", id, err)
	}
	return p, nil
}

func scanPosition(row rowScanner) (*model.TradePosition, error) {
	var p model.TradePosition
	var side, status, sizeS, entryS string
	var stopS, takeS, closeS, pnlS *string
	if err := row.Scan(&p.ID, &p.AccountID, &p.Symbol, &side, &sizeS, &entryS, &p.Leverage,
		&stopS, &takeS, &status, &closeS, &pnlS, &p.Liquidated, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.Status = model.PositionStatus(status)
	p.Size, _ = decimal.NewFromString(sizeS)
	p.EntryPrice, _ = decimal.NewFromString(entryS)
	p.StopLoss = parseDecimalPtr(stopS)
	p.TakeProfit = parseDecimalPtr(takeS)
	p.ClosePrice = parseDecimalPtr(closeS)
	p.RealizedPnL = parseDecimalPtr(pnlS)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.TradePosition, error) {
	var result []model.TradePosition
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
