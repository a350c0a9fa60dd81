// Package balance is the single source of truth for a customer's spendable
// funds. Every balance change is a debit or credit applied inside one store
// transaction against one locked account row, journaled as an immutable
// ledger entry, and announced as a BalanceChanged event after commit.
package balance

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// EventSink receives BalanceChanged facts after commit. Publish must not
// block; delivery is the sink's problem.
type EventSink interface {
	Publish(evt model.BalanceChanged)
}

type nopSink struct{}

func (nopSink) Publish(model.BalanceChanged) {}

// Ledger applies debits and credits.
type Ledger struct {
	store store.Store
	sink  EventSink
	clock clock.Clock
}

// NewLedger creates a Ledger. A nil sink discards events.
func NewLedger(st store.Store, sink EventSink, clk clock.Clock) *Ledger {
	if sink == nil {
		sink = nopSink{}
	}
	if clk == nil {
		clk = clock.System{}
	}
	return &Ledger{store: st, sink: sink, clock: clk}
}

// Debit removes amount from the account inside tx. It fails with an
// *model.InsufficientFundsError, leaving tx untouched, if the balance
// cannot cover it.
func (l *Ledger) Debit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, reason, ref string) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("debit %s: %w", amount, model.ErrInvalidAmount)
	}
	return l.apply(ctx, tx, accountID, amount.Neg(), reason, ref)
}

// Credit adds amount to the account inside tx.
func (l *Ledger) Credit(ctx context.Context, tx store.Tx, accountID string, amount decimal.Decimal, reason, ref string) (*model.Account, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("credit %s: %w", amount, model.ErrInvalidAmount)
	}
	return l.apply(ctx, tx, accountID, amount, reason, ref)
}

func (l *Ledger) apply(ctx context.Context, tx store.Tx, accountID string, delta decimal.Decimal, reason, ref string) (*model.Account, error) {
	acct, err := tx.GetAccountForUpdate(ctx, accountID)
	if err != nil {
		return nil, err
	}

	newBalance := acct.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, &model.InsufficientFundsError{
			AccountID: accountID,
			Balance:   acct.Balance,
			Requested: delta.Neg(),
		}
	}

	now := l.clock.Now()
	if err := tx.UpdateAccountBalance(ctx, accountID, newBalance, now); err != nil {
		return nil, err
	}
	if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
		ID:           uuid.New().String(),
		AccountID:    accountID,
		Delta:        delta,
		BalanceAfter: newBalance,
		Reason:       reason,
		ReferenceID:  ref,
		Timestamp:    now,
	}); err != nil {
		return nil, fmt.Errorf("journal %s: %w", accountID, err)
	}

	evt := model.BalanceChanged{
		AccountID:   accountID,
		NewBalance:  newBalance,
		Delta:       delta,
		Reason:      reason,
		ReferenceID: ref,
		At:          now,
	}
	direction := "credit"
	if delta.IsNegative() {
		direction = "debit"
	}
	tx.OnCommit(func() {
		metrics.LedgerChanges.WithLabelValues(direction, reason).Inc()
		l.sink.Publish(evt)
	})

	acct.Balance = newBalance
	acct.UpdatedAt = now
	return acct, nil
}

// DebitAccount runs Debit as its own atomic unit.
func (l *Ledger) DebitAccount(ctx context.Context, accountID string, amount decimal.Decimal, reason, ref string) (*model.Account, error) {
	var acct *model.Account
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acct, err = l.Debit(ctx, tx, accountID, amount, reason, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// CreditAccount runs Credit as its own atomic unit.
func (l *Ledger) CreditAccount(ctx context.Context, accountID string, amount decimal.Decimal, reason, ref string) (*model.Account, error) {
	var acct *model.Account
	err := l.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		acct, err = l.Credit(ctx, tx, accountID, amount, reason, ref)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acct, nil
}

// Deposit credits an externally confirmed deposit.
func (l *Ledger) Deposit(ctx context.Context, accountID string, amount decimal.Decimal, ref string) (*model.Account, error) {
	return l.CreditAccount(ctx, accountID, amount, model.ReasonDeposit, ref)
}

// OpenAccount provisions an account. An empty id gets a generated one.
func (l *Ledger) OpenAccount(ctx context.Context, id string, initial decimal.Decimal) (*model.Account, error) {
	if initial.IsNegative() {
		return nil, fmt.Errorf("initial balance %s: %w", initial, model.ErrInvalidAmount)
	}
	if id == "" {
		id = uuid.New().String()
	}
	now := l.clock.Now()
	acct := &model.Account{
		ID:             id,
		Balance:        initial,
		InitialBalance: initial,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := l.store.CreateAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Balance returns the account's current balance.
func (l *Ledger) Balance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	acct, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// Entries returns the account's journal.
func (l *Ledger) Entries(ctx context.Context, accountID string) ([]model.LedgerEntry, error) {
	if _, err := l.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return l.store.GetLedgerEntriesByAccount(ctx, accountID)
}
