// Package position implements leveraged trade positions: margin reservation
// on open, realized P&L on close, full refund on cancel.
//
// All monetary values use shopspring/decimal; never float64 for money.
package position

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/instrument"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/risk"
	"github.com/atmx/ledger-engine/internal/store"
)

// Leverage bounds, inclusive.
const (
	MinLeverage = 1
	MaxLeverage = 100
)

// OpenRequest describes a position to open. StopLoss and TakeProfit are optional.
type OpenRequest struct {
	AccountID  string           `json:"account_id"`
	Symbol     string           `json:"symbol"`
	Side       model.Side       `json:"side"`
	Size       decimal.Decimal  `json:"size"`
	EntryPrice decimal.Decimal  `json:"entry_price"`
	Leverage   int              `json:"leverage"`
	StopLoss   *decimal.Decimal `json:"stop_loss,omitempty"`
	TakeProfit *decimal.Decimal `json:"take_profit,omitempty"`
}

// Engine opens, closes and cancels positions against the balance ledger.
// It is the only component that mutates a position's status or P&L.
type Engine struct {
	store   store.Store
	ledger  *balance.Ledger
	limiter *risk.ExposureLimiter
	clock   clock.Clock
}

// NewEngine creates a position engine. Pass a nil limiter to disable
// exposure limits.
func NewEngine(st store.Store, ledger *balance.Ledger, limiter *risk.ExposureLimiter, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{
		store:   st,
		ledger:  ledger,
		limiter: limiter,
		clock:   clk,
	}
}

// Validate checks order parameters and returns the canonical symbol.
func Validate(req OpenRequest) (string, error) {
	symbol, err := instrument.Canonical(req.Symbol)
	if err != nil {
		return "", &model.OrderParameterError{Field: "symbol", Reason: err.Error()}
	}
	if !req.Side.Valid() {
		return "", &model.OrderParameterError{Field: "side", Reason: "must be buy or sell"}
	}
	if req.Leverage < MinLeverage || req.Leverage > MaxLeverage {
		return "", &model.OrderParameterError{
			Field:  "leverage",
			Reason: fmt.Sprintf("%d outside [%d, %d]", req.Leverage, MinLeverage, MaxLeverage),
		}
	}
	if !req.Size.IsPositive() {
		return "", &model.OrderParameterError{Field: "size", Reason: "must be positive"}
	}
	if !req.EntryPrice.IsPositive() {
		return "", &model.OrderParameterError{Field: "entry_price", Reason: "must be positive"}
	}

	// buy: takeProfit > entry > stopLoss; sell: reversed.
	if sl := req.StopLoss; sl != nil {
		if !sl.IsPositive() {
			return "", &model.OrderParameterError{Field: "stop_loss", Reason: "must be positive"}
		}
		if req.Side == model.SideBuy && !sl.LessThan(req.EntryPrice) {
			return "", &model.OrderParameterError{Field: "stop_loss", Reason: "must be below entry price for buy"}
		}
		if req.Side == model.SideSell && !sl.GreaterThan(req.EntryPrice) {
			return "", &model.OrderParameterError{Field: "stop_loss", Reason: "must be above entry price for sell"}
		}
	}
	if tp := req.TakeProfit; tp != nil {
		if !tp.IsPositive() {
			return "", &model.OrderParameterError{Field: "take_profit", Reason: "must be positive"}
		}
		if req.Side == model.SideBuy && !tp.GreaterThan(req.EntryPrice) {
			return "", &model.OrderParameterError{Field: "take_profit", Reason: "must be above entry price for buy"}
		}
		if req.Side == model.SideSell && !tp.LessThan(req.EntryPrice) {
			return "", &model.OrderParameterError{Field: "take_profit", Reason: "must be below entry price for sell"}
		}
	}
	return symbol, nil
}

// Open validates the order, reserves size × entryPrice from the account
// and records the position as open.
func (e *Engine) Open(ctx context.Context, req OpenRequest) (*model.TradePosition, error) {
	start := time.Now()
	defer func() { metrics.PositionLatency.WithLabelValues("open").Observe(time.Since(start).Seconds()) }()

	symbol, err := Validate(req)
	if err != nil {
		return nil, err
	}

	pos := &model.TradePosition{
		ID:         uuid.New().String(),
		AccountID:  req.AccountID,
		Symbol:     symbol,
		Side:       req.Side,
		Size:       req.Size,
		EntryPrice: req.EntryPrice,
		Leverage:   req.Leverage,
		StopLoss:   req.StopLoss,
		TakeProfit: req.TakeProfit,
		Status:     model.PositionOpen,
		OpenedAt:   e.clock.Now(),
	}
	margin := pos.Margin()

	err = e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		// Lock the account before reading exposure so concurrent opens
		// for the same account are checked one at a time.
		if _, err := tx.GetAccountForUpdate(ctx, req.AccountID); err != nil {
			return err
		}
		if err := e.checkExposure(ctx, tx, req.AccountID, symbol, margin); err != nil {
			return err
		}
		if _, err := e.ledger.Debit(ctx, tx, req.AccountID, margin, model.ReasonMarginReserve, pos.ID); err != nil {
			return err
		}
		return tx.InsertPosition(ctx, pos)
	})
	if err != nil {
		return nil, err
	}

	metrics.PositionsOpened.WithLabelValues(string(pos.Side)).Inc()
	slog.Info("position opened",
		"position_id", pos.ID,
		"account", pos.AccountID,
		"symbol", pos.Symbol,
		"side", pos.Side,
		"size", pos.Size.String(),
		"entry_price", pos.EntryPrice.String(),
		"leverage", pos.Leverage,
		"margin", margin.String(),
	)
	return pos, nil
}

func (e *Engine) checkExposure(ctx context.Context, tx store.Tx, accountID, symbol string, notional decimal.Decimal) error {
	if e.limiter == nil {
		return nil
	}
	open, err := tx.ListOpenPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	existing := make(map[string]decimal.Decimal)
	for _, p := range open {
		existing[p.Symbol] = existing[p.Symbol].Add(p.Margin())
	}
	if err := e.limiter.CheckLimit(symbol, notional, existing); err != nil {
		metrics.ExposureLimitRejections.Inc()
		return &model.OrderParameterError{Field: "size", Reason: err.Error()}
	}
	return nil
}

// PnL returns the signed, uncapped result of closing at closePrice:
// (close - entry) × size × leverage for buy, (entry - close) × size ×
// leverage for sell.
func PnL(side model.Side, entryPrice, closePrice, size decimal.Decimal, leverage int) decimal.Decimal {
	move := closePrice.Sub(entryPrice)
	if side == model.SideSell {
		move = move.Neg()
	}
	return move.Mul(size).Mul(decimal.NewFromInt(int64(leverage)))
}

// settle caps the loss at the reserved margin. The returned credit is
// margin + pnl and is never negative.
func settle(p *model.TradePosition, closePrice decimal.Decimal) (pnl, credit decimal.Decimal, liquidated bool) {
	margin := p.Margin()
	pnl = PnL(p.Side, p.EntryPrice, closePrice, p.Size, p.Leverage)
	if pnl.LessThan(margin.Neg()) {
		pnl = margin.Neg()
		liquidated = true
	}
	return pnl, margin.Add(pnl), liquidated
}

// Close realizes the position at closePrice and credits margin plus P&L.
// Closing an already closed position returns the stored result without a
// second credit.
func (e *Engine) Close(ctx context.Context, positionID string, closePrice decimal.Decimal) (*model.TradePosition, error) {
	start := time.Now()
	defer func() { metrics.PositionLatency.WithLabelValues("close").Observe(time.Since(start).Seconds()) }()

	if !closePrice.IsPositive() {
		return nil, &model.OrderParameterError{Field: "close_price", Reason: "must be positive"}
	}

	var result *model.TradePosition
	var credited bool
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		switch p.Status {
		case model.PositionClosed:
			result = p
			return nil
		case model.PositionOpen:
		default:
			return &model.StateTransitionError{
				Entity: "position", ID: p.ID,
				From: string(p.Status), To: string(model.PositionClosed),
			}
		}

		pnl, credit, liquidated := settle(p, closePrice)
		if credit.IsPositive() {
			if _, err := e.ledger.Credit(ctx, tx, p.AccountID, credit, model.ReasonPositionClose, p.ID); err != nil {
				return err
			}
		}

		now := e.clock.Now()
		p.Status = model.PositionClosed
		p.ClosePrice = &closePrice
		p.RealizedPnL = &pnl
		p.Liquidated = liquidated
		p.ClosedAt = &now
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
		result = p
		credited = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if credited {
		metrics.PositionsClosed.WithLabelValues(string(result.Side), outcome(result)).Inc()
		slog.Info("position closed",
			"position_id", result.ID,
			"account", result.AccountID,
			"close_price", closePrice.String(),
			"realized_pnl", result.RealizedPnL.String(),
			"liquidated", result.Liquidated,
		)
	}
	return result, nil
}

func outcome(p *model.TradePosition) string {
	switch {
	case p.Liquidated:
		return "liquidated"
	case p.RealizedPnL == nil || p.RealizedPnL.IsZero():
		return "flat"
	case p.RealizedPnL.IsPositive():
		return "profit"
	default:
		return "loss"
	}
}

// Cancel refunds the full margin of an open position. Cancelling an
// already cancelled position is a no-op.
func (e *Engine) Cancel(ctx context.Context, positionID string) (*model.TradePosition, error) {
	start := time.Now()
	defer func() { metrics.PositionLatency.WithLabelValues("cancel").Observe(time.Since(start).Seconds()) }()

	var result *model.TradePosition
	err := e.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := tx.GetPositionForUpdate(ctx, positionID)
		if err != nil {
			return err
		}
		switch p.Status {
		case model.PositionCancelled:
			result = p
			return nil
		case model.PositionOpen:
		default:
			return &model.StateTransitionError{
				Entity: "position", ID: p.ID,
				From: string(p.Status), To: string(model.PositionCancelled),
			}
		}

		if _, err := e.ledger.Credit(ctx, tx, p.AccountID, p.Margin(), model.ReasonPositionCancel, p.ID); err != nil {
			return err
		}
		now := e.clock.Now()
		p.Status = model.PositionCancelled
		p.ClosedAt = &now
		if err := tx.UpdatePosition(ctx, p); err != nil {
			return err
		}
		result = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("position cancelled", "position_id", result.ID, "account", result.AccountID)
	return result, nil
}

// Get returns one position.
func (e *Engine) Get(ctx context.Context, positionID string) (*model.TradePosition, error) {
	return e.store.GetPosition(ctx, positionID)
}

// List returns every position of an account.
func (e *Engine) List(ctx context.Context, accountID string) ([]model.TradePosition, error) {
	if _, err := e.store.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	return e.store.ListPositions(ctx, accountID)
}

// Triggered reports whether price crosses the position's stop-loss or
// take-profit.
func Triggered(p *model.TradePosition, price decimal.Decimal) bool {
	if p.Status != model.PositionOpen {
		return false
	}
	switch p.Side {
	case model.SideBuy:
		return (p.StopLoss != nil && price.LessThanOrEqual(*p.StopLoss)) ||
			(p.TakeProfit != nil && price.GreaterThanOrEqual(*p.TakeProfit))
	case model.SideSell:
		return (p.StopLoss != nil && price.GreaterThanOrEqual(*p.StopLoss)) ||
			(p.TakeProfit != nil && price.LessThanOrEqual(*p.TakeProfit))
	}
	return false
}

// ApplyPrice closes every open position in symbol whose stop-loss or
// take-profit is crossed by price. A failure closing one position does not
// stop the others; failures are joined into the returned error.
func (e *Engine) ApplyPrice(ctx context.Context, symbol string, price decimal.Decimal) ([]model.TradePosition, error) {
	canonical, err := instrument.Canonical(symbol)
	if err != nil {
		return nil, &model.OrderParameterError{Field: "symbol", Reason: err.Error()}
	}
	if !price.IsPositive() {
		return nil, &model.OrderParameterError{Field: "price", Reason: "must be positive"}
	}

	open, err := e.store.ListOpenPositionsBySymbol(ctx, canonical)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	var closed []model.TradePosition
	var errs []error
	for i := range open {
		if !Triggered(&open[i], price) {
			continue
		}
		p, err := e.Close(ctx, open[i].ID, price)
		if err != nil {
			slog.Error("trigger close failed", "position_id", open[i].ID, "err", err)
			errs = append(errs, fmt.Errorf("position %s: %w", open[i].ID, err))
			continue
		}
		closed = append(closed, *p)
	}
	return closed, errors.Join(errs...)
}
