package balance_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recorder struct {
	mu     sync.Mutex
	events []model.BalanceChanged
}

func (r *recorder) Publish(evt model.BalanceChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) all() []model.BalanceChanged {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.BalanceChanged(nil), r.events...)
}

func newLedger(t *testing.T, initial string) (*balance.Ledger, *store.MemoryStore, *recorder) {
	t.Helper()
	ms := store.NewMemoryStore()
	rec := &recorder{}
	l := balance.NewLedger(ms, rec, clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))
	if _, err := l.OpenAccount(context.Background(), "acct-1", d(initial)); err != nil {
		t.Fatalf("OpenAccount: %v", err)
	}
	return l, ms, rec
}

func TestCreditThenDebit(t *testing.T) {
	l, _, rec := newLedger(t, "100")
	ctx := context.Background()

	acct, err := l.CreditAccount(ctx, "acct-1", d("50"), model.ReasonDeposit, "dep-1")
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !acct.Balance.Equal(d("150")) {
		t.Errorf("balance after credit = %s, want 150", acct.Balance)
	}

	acct, err = l.DebitAccount(ctx, "acct-1", d("150"), model.ReasonMarginReserve, "pos-1")
	if err != nil {
		t.Fatalf("debit to zero: %v", err)
	}
	if !acct.Balance.IsZero() {
		t.Errorf("balance after debit = %s, want 0", acct.Balance)
	}

	entries, err := l.Entries(ctx, "acct-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if !entries[0].Delta.Equal(d("50")) || !entries[0].BalanceAfter.Equal(d("150")) {
		t.Errorf("credit entry = %+v", entries[0])
	}
	if !entries[1].Delta.Equal(d("-150")) || entries[1].ReferenceID != "pos-1" {
		t.Errorf("debit entry = %+v", entries[1])
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[1].Reason != model.ReasonMarginReserve || !events[1].NewBalance.IsZero() {
		t.Errorf("debit event = %+v", events[1])
	}
}

func TestDebit_InsufficientFunds(t *testing.T) {
	l, _, rec := newLedger(t, "100")
	ctx := context.Background()

	_, err := l.DebitAccount(ctx, "acct-1", d("100.01"), model.ReasonMarginReserve, "pos-1")
	var ife *model.InsufficientFundsError
	if !errors.As(err, &ife) {
		t.Fatalf("expected InsufficientFundsError, got %v", err)
	}
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Error("error does not wrap ErrInsufficientFunds")
	}
	if !ife.Balance.Equal(d("100")) || !ife.Requested.Equal(d("100.01")) {
		t.Errorf("details = %+v", ife)
	}

	bal, _ := l.Balance(ctx, "acct-1")
	if !bal.Equal(d("100")) {
		t.Errorf("balance = %s, want unchanged 100", bal)
	}
	entries, _ := l.Entries(ctx, "acct-1")
	if len(entries) != 0 {
		t.Errorf("rejected debit left %d entries", len(entries))
	}
	if len(rec.all()) != 0 {
		t.Error("rejected debit published an event")
	}
}

func TestNonPositiveAmounts(t *testing.T) {
	l, _, _ := newLedger(t, "100")
	ctx := context.Background()

	for _, amt := range []string{"0", "-5"} {
		if _, err := l.DebitAccount(ctx, "acct-1", d(amt), model.ReasonMarginReserve, ""); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("debit %s: expected ErrInvalidAmount, got %v", amt, err)
		}
		if _, err := l.CreditAccount(ctx, "acct-1", d(amt), model.ReasonDeposit, ""); !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("credit %s: expected ErrInvalidAmount, got %v", amt, err)
		}
	}
}

func TestUnknownAccount(t *testing.T) {
	l, _, _ := newLedger(t, "0")
	ctx := context.Background()

	if _, err := l.Deposit(ctx, "ghost", d("1"), ""); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("deposit: expected ErrNotFound, got %v", err)
	}
	if _, err := l.Balance(ctx, "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("balance: expected ErrNotFound, got %v", err)
	}
	if _, err := l.Entries(ctx, "ghost"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("entries: expected ErrNotFound, got %v", err)
	}
}

func TestFailedUnitRollsBack(t *testing.T) {
	l, ms, rec := newLedger(t, "100")
	ctx := context.Background()
	boom := errors.New("boom")

	err := ms.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.Debit(ctx, tx, "acct-1", d("40"), model.ReasonMarginReserve, "pos-1"); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	bal, _ := l.Balance(ctx, "acct-1")
	if !bal.Equal(d("100")) {
		t.Errorf("balance = %s, want 100", bal)
	}
	if len(rec.all()) != 0 {
		t.Error("rolled back unit published an event")
	}
}

func TestSeveralChangesInOneUnit(t *testing.T) {
	l, ms, rec := newLedger(t, "100")
	ctx := context.Background()

	err := ms.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.Credit(ctx, tx, "acct-1", d("10"), model.ReasonPayout, "inv-1"); err != nil {
			return err
		}
		acct, err := l.Credit(ctx, tx, "acct-1", d("500"), model.ReasonPrincipalReturn, "inv-1")
		if err != nil {
			return err
		}
		if !acct.Balance.Equal(d("610")) {
			t.Errorf("staged balance = %s, want 610", acct.Balance)
		}
		if len(rec.all()) != 0 {
			t.Error("event published before commit")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	events := rec.all()
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if !events[0].NewBalance.Equal(d("110")) || !events[1].NewBalance.Equal(d("610")) {
		t.Errorf("events out of order: %+v", events)
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	l, _, _ := newLedger(t, "100")
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.DebitAccount(ctx, "acct-1", d("10"), model.ReasonMarginReserve, ""); err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if succeeded != 10 {
		t.Errorf("succeeded = %d, want 10", succeeded)
	}
	bal, _ := l.Balance(ctx, "acct-1")
	if !bal.IsZero() {
		t.Errorf("balance = %s, want 0", bal)
	}
}

func TestOpenAccount(t *testing.T) {
	l, _, _ := newLedger(t, "0")
	ctx := context.Background()

	acct, err := l.OpenAccount(ctx, "", d("25"))
	if err != nil {
		t.Fatal(err)
	}
	if acct.ID == "" || !acct.InitialBalance.Equal(d("25")) {
		t.Errorf("account = %+v", acct)
	}

	if _, err := l.OpenAccount(ctx, "acct-1", decimal.Zero); !errors.Is(err, store.ErrConflict) {
		t.Errorf("duplicate: expected ErrConflict, got %v", err)
	}
	if _, err := l.OpenAccount(ctx, "acct-neg", d("-1")); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("negative: expected ErrInvalidAmount, got %v", err)
	}
}
