// Package accrual owns the investment lifecycle (pending → active →
// completed, pending → cancelled) and the time-weighted profit formula used
// both for on-demand queries and by the settlement job.
package accrual

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/catalog"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/store"
)

// DefaultPayoutInterval spaces payouts when none is configured.
const DefaultPayoutInterval = 24 * time.Hour

// Engine manages investments. It is the only writer of Investment.Status
// and Investment.TotalEarned.
type Engine struct {
	store          store.Store
	ledger         *balance.Ledger
	plans          catalog.Catalog
	clock          clock.Clock
	payoutInterval time.Duration
}

// NewEngine creates an accrual engine.
func NewEngine(st store.Store, ledger *balance.Ledger, plans catalog.Catalog, clk clock.Clock, payoutInterval time.Duration) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if payoutInterval <= 0 {
		payoutInterval = DefaultPayoutInterval
	}
	return &Engine{
		store:          st,
		ledger:         ledger,
		plans:          plans,
		clock:          clk,
		payoutInterval: payoutInterval,
	}
}

// Create records a pending investment after checking principal against the
// plan bounds. No funds move until the payment is confirmed.
func (e *Engine) Create(ctx context.Context, accountID, planID string, principal decimal.Decimal) (*model.Investment, error) {
	if !principal.IsPositive() {
		return nil, fmt.Errorf("principal %s: %w", principal, model.ErrInvalidAmount)
	}
	plan, err := e.plans.Plan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if principal.LessThan(plan.MinAmount) || principal.GreaterThan(plan.MaxAmount) {
		return nil, &model.PlanLimitError{
			PlanID:    plan.ID,
			Principal: principal,
			Min:       plan.MinAmount,
			Max:       plan.MaxAmount,
		}
	}
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}

	now := e.clock.Now()
	inv := &model.Investment{
		ID:              uuid.New().String(),
		AccountID:       accountID,
		PlanID:          plan.ID,
		Principal:       principal,
		ROIPercent:      plan.ROIPercent,
		DurationDays:    plan.DurationDays,
		ReturnPrincipal: plan.ReturnPrincipal,
		Status:          model.InvestmentPending,
		TotalEarned:     decimal.Zero,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return tx.InsertInvestment(ctx, inv)
	})
	if err != nil {
		return nil, err
	}

	metrics.InvestmentTransitions.WithLabelValues(string(model.InvestmentPending)).Inc()
	slog.Info("investment created",
		"investment_id", inv.ID,
		"account", accountID,
		"plan", plan.ID,
		"principal", principal.String(),
	)
	return inv, nil
}

// Activate starts a pending investment now.
func (e *Engine) Activate(ctx context.Context, investmentID string) (*model.Investment, error) {
	return e.ActivateAt(ctx, investmentID, e.clock.Now())
}

// ActivateAt starts a pending investment at start: endDate is start plus
// durationDays and the first payout is one interval ahead.
func (e *Engine) ActivateAt(ctx context.Context, investmentID string, start time.Time) (*model.Investment, error) {
	var result *model.Investment
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.GetInvestmentForUpdate(ctx, investmentID)
		if err != nil {
			return err
		}
		if inv.Status != model.InvestmentPending {
			return &model.StateTransitionError{
				Entity: "investment", ID: inv.ID,
				From: string(inv.Status), To: string(model.InvestmentActive),
			}
		}

		begin := start.UTC()
		end := begin.Add(time.Duration(inv.DurationDays) * 24 * time.Hour)
		next := begin.Add(e.payoutInterval)
		if next.After(end) {
			next = end
		}
		inv.Status = model.InvestmentActive
		inv.StartDate = &begin
		inv.EndDate = &end
		inv.NextPayoutDate = &next
		inv.UpdatedAt = e.clock.Now()
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}
		result = inv
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.InvestmentTransitions.WithLabelValues(string(model.InvestmentActive)).Inc()
	slog.Info("investment activated",
		"investment_id", result.ID,
		"account", result.AccountID,
		"start", result.StartDate,
		"end", result.EndDate,
	)
	return result, nil
}

// Cancel abandons a pending investment. Cancelling twice is a no-op.
func (e *Engine) Cancel(ctx context.Context, investmentID string) (*model.Investment, error) {
	var result *model.Investment
	var changed bool
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.GetInvestmentForUpdate(ctx, investmentID)
		if err != nil {
			return err
		}
		switch inv.Status {
		case model.InvestmentCancelled:
			result = inv
			return nil
		case model.InvestmentPending:
		default:
			return &model.StateTransitionError{
				Entity: "investment", ID: inv.ID,
				From: string(inv.Status), To: string(model.InvestmentCancelled),
			}
		}
		inv.Status = model.InvestmentCancelled
		inv.UpdatedAt = e.clock.Now()
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}
		result = inv
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		metrics.InvestmentTransitions.WithLabelValues(string(model.InvestmentCancelled)).Inc()
		slog.Info("investment cancelled", "investment_id", result.ID, "account", result.AccountID)
	}
	return result, nil
}

// Get returns one investment.
func (e *Engine) Get(ctx context.Context, investmentID string) (*model.Investment, error) {
	return e.store.GetInvestment(ctx, investmentID)
}

// List returns every investment of an account, newest first.
func (e *Engine) List(ctx context.Context, accountID string) ([]model.Investment, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListInvestments(ctx, accountID)
}

// Due returns up to limit active investments whose next payout is at or
// before asOf.
func (e *Engine) Due(ctx context.Context, asOf time.Time, limit int) ([]model.Investment, error) {
	return e.store.ListDueInvestments(ctx, asOf, limit)
}

// AccruedProfit returns the unpaid profit of an investment as of asOf,
// without changing anything.
func (e *Engine) AccruedProfit(ctx context.Context, investmentID string, asOf time.Time) (decimal.Decimal, error) {
	inv, err := e.store.GetInvestment(ctx, investmentID)
	if err != nil {
		return decimal.Zero, err
	}
	return Accrue(inv, windowStart(inv), asOf), nil
}

func windowStart(inv *model.Investment) time.Time {
	if inv.LastPayoutDate != nil {
		return *inv.LastPayoutDate
	}
	if inv.StartDate != nil {
		return *inv.StartDate
	}
	return time.Time{}
}

// Payout describes the outcome of settling one investment.
type Payout struct {
	Investment        *model.Investment `json:"investment"`
	Profit            decimal.Decimal   `json:"profit"`
	Completed         bool              `json:"completed"`
	PrincipalReturned bool              `json:"principal_returned"`
	// Skipped is set when the investment was no longer due once locked.
	Skipped bool `json:"skipped,omitempty"`
}

// Settle pays out the profit accrued since the last payout as of now. The
// read, credit and write happen in one transaction holding the investment
// row, so two concurrent settlements of the same window credit once.
func (e *Engine) Settle(ctx context.Context, investmentID string, now time.Time) (*Payout, error) {
	var out *Payout
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inv, err := tx.GetInvestmentForUpdate(ctx, investmentID)
		if err != nil {
			return err
		}
		if inv.Status != model.InvestmentActive || inv.NextPayoutDate == nil || inv.NextPayoutDate.After(now) {
			out = &Payout{Investment: inv, Profit: decimal.Zero, Skipped: true}
			return nil
		}

		p := &Payout{Investment: inv, Profit: Accrue(inv, windowStart(inv), now)}
		if p.Profit.IsPositive() {
			if _, err := e.ledger.Credit(ctx, tx, inv.AccountID, p.Profit, model.ReasonPayout, inv.ID); err != nil {
				return err
			}
			inv.TotalEarned = inv.TotalEarned.Add(p.Profit)
			paidAt := now
			inv.LastPayoutDate = &paidAt
		}

		if !now.Before(*inv.EndDate) {
			inv.Status = model.InvestmentCompleted
			inv.NextPayoutDate = nil
			p.Completed = true
			if inv.ReturnPrincipal {
				if _, err := e.ledger.Credit(ctx, tx, inv.AccountID, inv.Principal, model.ReasonPrincipalReturn, inv.ID); err != nil {
					return err
				}
				p.PrincipalReturned = true
			}
		} else {
			next := e.advance(*inv.NextPayoutDate, now, *inv.EndDate)
			inv.NextPayoutDate = &next
		}

		inv.UpdatedAt = e.clock.Now()
		if err := tx.UpdateInvestment(ctx, inv); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if out.Completed {
		metrics.InvestmentTransitions.WithLabelValues(string(model.InvestmentCompleted)).Inc()
		slog.Info("investment completed",
			"investment_id", out.Investment.ID,
			"total_earned", out.Investment.TotalEarned.String(),
			"principal_returned", out.PrincipalReturned,
		)
	}
	return out, nil
}

// advance moves next forward in whole payout intervals until it is after
// now, capped at end.
func (e *Engine) advance(next, now, end time.Time) time.Time {
	if !next.After(now) {
		steps := now.Sub(next)/e.payoutInterval + 1
		next = next.Add(steps * e.payoutInterval)
	}
	if next.After(end) {
		return end
	}
	return next
}
