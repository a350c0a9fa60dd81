// Package payment reacts to external "payment confirmed" signals. The only
// reaction is activating the referenced investment; provider-specific
// fields are carried through for logging and ignored otherwise.
package payment

import (
	"context"
	"errors"
	"log/slog"

	"github.com/atmx/ledger-engine/internal/model"
)

// ErrInvalidConfirmation is returned for a confirmation without an
// investment id.
var ErrInvalidConfirmation = errors.New("payment: confirmation missing investment_id")

// Confirmation is the payment-confirmed event payload.
type Confirmation struct {
	InvestmentID string `json:"investment_id"`
	PaymentID    string `json:"payment_id,omitempty"`
	Provider     string `json:"provider,omitempty"`
}

// Activator is the slice of the accrual engine the intake needs.
type Activator interface {
	Activate(ctx context.Context, investmentID string) (*model.Investment, error)
	Get(ctx context.Context, investmentID string) (*model.Investment, error)
}

// Intake turns confirmations into activations.
type Intake struct {
	activator Activator
	log       *slog.Logger
}

// NewIntake creates an intake.
func NewIntake(activator Activator, log *slog.Logger) *Intake {
	if log == nil {
		log = slog.Default()
	}
	return &Intake{activator: activator, log: log}
}

// Confirm activates the investment named by c. A confirmation for an
// investment that is already active or completed is a duplicate delivery:
// it returns the stored investment with duplicate set and no error.
func (in *Intake) Confirm(ctx context.Context, c Confirmation) (inv *model.Investment, duplicate bool, err error) {
	if c.InvestmentID == "" {
		return nil, false, ErrInvalidConfirmation
	}

	inv, err = in.activator.Activate(ctx, c.InvestmentID)
	if err == nil {
		in.log.Info("payment confirmed",
			"investment_id", c.InvestmentID,
			"payment_id", c.PaymentID,
			"provider", c.Provider,
		)
		return inv, false, nil
	}

	var ste *model.StateTransitionError
	if errors.As(err, &ste) &&
		(ste.From == string(model.InvestmentActive) || ste.From == string(model.InvestmentCompleted)) {
		inv, getErr := in.activator.Get(ctx, c.InvestmentID)
		if getErr != nil {
			return nil, false, getErr
		}
		in.log.Info("duplicate payment confirmation",
			"investment_id", c.InvestmentID,
			"payment_id", c.PaymentID,
			"status", inv.Status,
		)
		return inv, true, nil
	}
	return nil, false, err
}
