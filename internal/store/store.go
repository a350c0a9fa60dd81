// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// All mutation goes through RunInTx. Reads outside a transaction are
// snapshots and must not be used to decide a balance change.
type Store interface {
	// RunInTx executes fn as one atomic unit. If fn returns an error nothing
	// it wrote is kept. Hooks registered with Tx.OnCommit run after a
	// successful commit, outside the transaction.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// --- Accounts ---

	// CreateAccount persists a new account with its opening balance.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by its ID.
	GetAccount(ctx context.Context, id string) (*model.Account, error)

	// GetLedgerEntriesByAccount returns the account's journal, oldest first.
	GetLedgerEntriesByAccount(ctx context.Context, accountID string) ([]model.LedgerEntry, error)

	// --- Investments ---

	// GetInvestment retrieves an investment by its ID.
	GetInvestment(ctx context.Context, id string) (*model.Investment, error)

	// ListInvestments returns all investments for an account, newest first.
	ListInvestments(ctx context.Context, accountID string) ([]model.Investment, error)

	// ListDueInvestments returns active investments with nextPayoutDate <= asOf.
	ListDueInvestments(ctx context.Context, asOf time.Time, limit int) ([]model.Investment, error)

	// --- Positions ---

	// GetPosition retrieves a position by its ID.
	GetPosition(ctx context.Context, id string) (*model.TradePosition, error)

	// ListPositions returns all positions for an account, newest first.
	ListPositions(ctx context.Context, accountID string) ([]model.TradePosition, error)

	// ListOpenPositionsBySymbol returns open positions across all accounts.
	ListOpenPositionsBySymbol(ctx context.Context, symbol string) ([]model.TradePosition, error)
}

// Tx is one atomic unit of work. Reads ending in ForUpdate lock the row
// until the unit commits or rolls back.
type Tx interface {
	// --- Accounts ---

	GetAccountForUpdate(ctx context.Context, id string) (*model.Account, error)
	UpdateAccountBalance(ctx context.Context, id string, balance decimal.Decimal, at time.Time) error

	// InsertLedgerEntry appends an immutable journal record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// --- Investments ---

	InsertInvestment(ctx context.Context, inv *model.Investment) error
	GetInvestmentForUpdate(ctx context.Context, id string) (*model.Investment, error)
	UpdateInvestment(ctx context.Context, inv *model.Investment) error

	// --- Positions ---

	InsertPosition(ctx context.Context, p *model.TradePosition) error
	GetPositionForUpdate(ctx context.Context, id string) (*model.TradePosition, error)
	UpdatePosition(ctx context.Context, p *model.TradePosition) error

	// ListOpenPositions returns the account's open positions. Callers hold
	// the account row lock so the result cannot change underneath them.
	ListOpenPositions(ctx context.Context, accountID string) ([]model.TradePosition, error)

	// OnCommit registers fn to run after the unit commits. It never runs
	// if the unit rolls back.
	OnCommit(fn func())
}
