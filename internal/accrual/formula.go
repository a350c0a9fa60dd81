package accrual

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/model"
)

var (
	hundred = decimal.NewFromInt(100)
	dayNs   = decimal.NewFromInt(int64(24 * time.Hour))
)

// Accrue returns the profit earned by inv between from and to, with both
// instants clamped to [StartDate, EndDate]:
//
//	days          = clamp(to) - clamp(from)            (fractional)
//	dailyRate     = roiPercent / (durationDays × 100)
//	rawProfit     = principal × dailyRate × days
//	cappedProfit  = min(rawProfit, totalPossible - totalEarned)
//
// The result is truncated to model.MoneyScale places and is never negative.
// A window that reaches EndDate returns the whole remaining cap, so the
// final payout lands exactly on principal × roiPercent / 100.
//
// Inactive or unscheduled investments accrue nothing.
func Accrue(inv *model.Investment, from, to time.Time) decimal.Decimal {
	if inv.Status != model.InvestmentActive || inv.StartDate == nil || inv.EndDate == nil || inv.DurationDays <= 0 {
		return decimal.Zero
	}
	start, end := *inv.StartDate, *inv.EndDate
	from = clamp(from, start, end)
	to = clamp(to, start, end)
	if !to.After(from) {
		return decimal.Zero
	}

	remaining := inv.TotalPossible().Sub(inv.TotalEarned)
	if !remaining.IsPositive() {
		return decimal.Zero
	}
	if !to.Before(end) {
		return remaining
	}

	// principal × roi × ns / (durationDays × 100 × ns-per-day), one division.
	elapsed := decimal.NewFromInt(int64(to.Sub(from)))
	num := inv.Principal.Mul(inv.ROIPercent).Mul(elapsed)
	den := decimal.NewFromInt(int64(inv.DurationDays)).Mul(hundred).Mul(dayNs)
	raw := num.DivRound(den, model.MoneyScale+4).Truncate(model.MoneyScale)

	if raw.GreaterThan(remaining) {
		return remaining
	}
	if raw.IsNegative() {
		return decimal.Zero
	}
	return raw
}

func clamp(t, lo, hi time.Time) time.Time {
	if t.Before(lo) {
		return lo
	}
	if t.After(hi) {
		return hi
	}
	return t
}
