package accrual_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/accrual"
	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/catalog"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

const day = 24 * time.Hour

var t0 = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	store  *store.MemoryStore
	ledger *balance.Ledger
	engine *accrual.Engine
	clock  *clock.Manual
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	plans, err := catalog.NewStatic(
		model.InvestmentPlan{ID: "basic", MinAmount: d("100"), MaxAmount: d("10000"), ROIPercent: d("20"), DurationDays: 30},
		model.InvestmentPlan{ID: "capital", MinAmount: d("100"), MaxAmount: d("10000"), ROIPercent: d("10"), DurationDays: 10, ReturnPrincipal: true},
	)
	require.NoError(t, err)

	ms := store.NewMemoryStore()
	clk := clock.NewManual(t0)
	ledger := balance.NewLedger(ms, nil, clk)
	_, err = ledger.OpenAccount(context.Background(), "acct-1", d("0"))
	require.NoError(t, err)

	return &testEnv{
		store:  ms,
		ledger: ledger,
		engine: accrual.NewEngine(ms, ledger, plans, clk, day),
		clock:  clk,
	}
}

func (e *testEnv) activeInvestment(t *testing.T, plan, principal string) *model.Investment {
	t.Helper()
	ctx := context.Background()
	inv, err := e.engine.Create(ctx, "acct-1", plan, d(principal))
	require.NoError(t, err)
	inv, err = e.engine.ActivateAt(ctx, inv.ID, t0)
	require.NoError(t, err)
	return inv
}

func (e *testEnv) balance(t *testing.T) decimal.Decimal {
	t.Helper()
	b, err := e.ledger.Balance(context.Background(), "acct-1")
	require.NoError(t, err)
	return b
}

func TestCreate_Pending(t *testing.T) {
	env := newTestEnv(t)

	inv, err := env.engine.Create(context.Background(), "acct-1", "basic", d("1000"))
	require.NoError(t, err)
	assert.Equal(t, model.InvestmentPending, inv.Status)
	assert.True(t, inv.ROIPercent.Equal(d("20")))
	assert.Equal(t, 30, inv.DurationDays)
	assert.Nil(t, inv.StartDate)
	assert.True(t, env.balance(t).IsZero(), "creating must not move funds")
}

func TestCreate_PlanLimits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, principal := range []string{"99.99", "10000.01"} {
		_, err := env.engine.Create(ctx, "acct-1", "basic", d(principal))
		require.ErrorIs(t, err, model.ErrPlanLimitViolation, principal)

		var ple *model.PlanLimitError
		require.True(t, errors.As(err, &ple))
		assert.True(t, ple.Min.Equal(d("100")))
		assert.True(t, ple.Max.Equal(d("10000")))
	}

	// Bounds are inclusive.
	_, err := env.engine.Create(ctx, "acct-1", "basic", d("100"))
	assert.NoError(t, err)
	_, err = env.engine.Create(ctx, "acct-1", "basic", d("10000"))
	assert.NoError(t, err)
}

func TestCreate_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Create(ctx, "acct-1", "nope", d("1000"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.engine.Create(ctx, "ghost", "basic", d("1000"))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.engine.Create(ctx, "acct-1", "basic", d("0"))
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
}

func TestActivate_SetsSchedule(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")

	assert.Equal(t, model.InvestmentActive, inv.Status)
	assert.Equal(t, t0, *inv.StartDate)
	assert.Equal(t, t0.Add(30*day), *inv.EndDate)
	assert.Equal(t, t0.Add(day), *inv.NextPayoutDate)
	assert.Nil(t, inv.LastPayoutDate)
}

func TestActivate_OnlyFromPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	inv := env.activeInvestment(t, "basic", "1000")

	_, err := env.engine.ActivateAt(ctx, inv.ID, t0.Add(day))
	require.ErrorIs(t, err, model.ErrInvalidStateTransition)

	var ste *model.StateTransitionError
	require.True(t, errors.As(err, &ste))
	assert.Equal(t, "active", ste.From)
	assert.Equal(t, "active", ste.To)

	_, err = env.engine.Activate(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inv, err := env.engine.Create(ctx, "acct-1", "basic", d("1000"))
	require.NoError(t, err)

	cancelled, err := env.engine.Cancel(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvestmentCancelled, cancelled.Status)

	again, err := env.engine.Cancel(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvestmentCancelled, again.Status)

	_, err = env.engine.Activate(ctx, inv.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)

	active := env.activeInvestment(t, "basic", "1000")
	_, err = env.engine.Cancel(ctx, active.ID)
	assert.ErrorIs(t, err, model.ErrInvalidStateTransition)
}

func TestSettle_DayTen(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")

	now := t0.Add(10 * day)
	p, err := env.engine.Settle(context.Background(), inv.ID, now)
	require.NoError(t, err)
	require.False(t, p.Skipped)

	// 1000 × 20/(30×100) × 10 = 66.666...
	assert.True(t, p.Profit.Equal(d("66.66666666")), "profit = %s", p.Profit)
	assert.True(t, p.Profit.Round(2).Equal(d("66.67")))
	assert.True(t, p.Investment.TotalEarned.Equal(p.Profit))
	assert.Equal(t, now, *p.Investment.LastPayoutDate)
	assert.Equal(t, now.Add(day), *p.Investment.NextPayoutDate)
	assert.Equal(t, model.InvestmentActive, p.Investment.Status)
	assert.True(t, env.balance(t).Equal(p.Profit))
}

func TestSettle_PastEndCompletesAtCap(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")
	ctx := context.Background()

	_, err := env.engine.Settle(ctx, inv.ID, t0.Add(10*day))
	require.NoError(t, err)

	p, err := env.engine.Settle(ctx, inv.ID, t0.Add(40*day))
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.True(t, p.Profit.Equal(d("133.33333334")), "profit = %s", p.Profit)
	assert.True(t, p.Investment.TotalEarned.Equal(d("200")))
	assert.Equal(t, model.InvestmentCompleted, p.Investment.Status)
	assert.Nil(t, p.Investment.NextPayoutDate)
	assert.False(t, p.PrincipalReturned)
	assert.True(t, env.balance(t).Equal(d("200")))

	// Completed investments are no longer settled.
	again, err := env.engine.Settle(ctx, inv.ID, t0.Add(50*day))
	require.NoError(t, err)
	assert.True(t, again.Skipped)
	assert.True(t, env.balance(t).Equal(d("200")))
}

func TestSettle_NeverExceedsCap(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")
	ctx := context.Background()

	// Settle every 7 hours across the whole term and beyond.
	for now := t0.Add(day); now.Before(t0.Add(35 * day)); now = now.Add(7 * time.Hour) {
		p, err := env.engine.Settle(ctx, inv.ID, now)
		require.NoError(t, err)
		assert.True(t, p.Investment.TotalEarned.LessThanOrEqual(d("200")))
	}

	got, err := env.engine.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, model.InvestmentCompleted, got.Status)
	assert.True(t, got.TotalEarned.Equal(d("200")), "total = %s", got.TotalEarned)
	assert.True(t, env.balance(t).Equal(d("200")))
}

func TestSettle_NotDueIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")

	p, err := env.engine.Settle(context.Background(), inv.ID, t0.Add(12*time.Hour))
	require.NoError(t, err)
	assert.True(t, p.Skipped)
	assert.True(t, env.balance(t).IsZero())
}

func TestSettle_ReturnsPrincipalOnCompletion(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "capital", "500")

	p, err := env.engine.Settle(context.Background(), inv.ID, t0.Add(10*day))
	require.NoError(t, err)
	assert.True(t, p.Completed)
	assert.True(t, p.PrincipalReturned)
	assert.True(t, p.Profit.Equal(d("50")))
	assert.True(t, env.balance(t).Equal(d("550")))

	entries, err := env.ledger.Entries(context.Background(), "acct-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.ReasonPayout, entries[0].Reason)
	assert.Equal(t, model.ReasonPrincipalReturn, entries[1].Reason)
}

func TestSettle_ConcurrentCreditsOnce(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")
	now := t0.Add(3 * day)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.engine.Settle(context.Background(), inv.ID, now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, env.balance(t).Equal(d("20")), "balance = %s", env.balance(t))
}

func TestSettle_SkipsMissedIntervals(t *testing.T) {
	env := newTestEnv(t)
	inv := env.activeInvestment(t, "basic", "1000")

	now := t0.Add(5*day + 3*time.Hour)
	p, err := env.engine.Settle(context.Background(), inv.ID, now)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(6*day), *p.Investment.NextPayoutDate)
}

func TestAccruedProfit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	pending, err := env.engine.Create(ctx, "acct-1", "basic", d("1000"))
	require.NoError(t, err)
	got, err := env.engine.AccruedProfit(ctx, pending.ID, t0.Add(5*day))
	require.NoError(t, err)
	assert.True(t, got.IsZero(), "pending accrues nothing")

	inv := env.activeInvestment(t, "basic", "1000")
	got, err = env.engine.AccruedProfit(ctx, inv.ID, t0.Add(3*day))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("20")))

	_, err = env.engine.Settle(ctx, inv.ID, t0.Add(3*day))
	require.NoError(t, err)

	// Only the unpaid window since the last payout.
	got, err = env.engine.AccruedProfit(ctx, inv.ID, t0.Add(4*day+12*time.Hour))
	require.NoError(t, err)
	assert.True(t, got.Equal(d("10")), "accrued = %s", got)

	// Querying does not mutate.
	again, err := env.engine.Get(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, again.TotalEarned.Equal(d("20")))

	_, err = env.engine.AccruedProfit(ctx, "missing", t0)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestList(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.activeInvestment(t, "basic", "1000")
	env.activeInvestment(t, "capital", "500")

	list, err := env.engine.List(ctx, "acct-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)

	_, err = env.engine.List(ctx, "ghost")
	assert.ErrorIs(t, err, model.ErrNotFound)

	due, err := env.engine.Due(ctx, t0.Add(day), 10)
	require.NoError(t, err)
	assert.Len(t, due, 2)
}
