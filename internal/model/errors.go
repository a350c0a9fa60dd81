package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when a debit would make a balance negative.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidStateTransition is returned when an operation is attempted
	// from a state that does not permit it.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrInvalidOrderParameters is returned for leverage out of range,
	// non-positive size or price, or stop-loss/take-profit on the wrong side.
	ErrInvalidOrderParameters = errors.New("invalid order parameters")

	// ErrPlanLimitViolation is returned when a principal is outside plan bounds.
	ErrPlanLimitViolation = errors.New("plan limit violation")

	// ErrNotFound is returned for unknown account, investment, position or plan ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidAmount is returned for a non-positive debit or credit amount.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// InsufficientFundsError carries the balance the debit was checked against.
type InsufficientFundsError struct {
	AccountID string
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s has %s, requested %s",
		e.AccountID, e.Balance, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// StateTransitionError describes a rejected lifecycle transition.
type StateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e *StateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition: %s %s cannot move from %s to %s",
		e.Entity, e.ID, e.From, e.To)
}

func (e *StateTransitionError) Unwrap() error { return ErrInvalidStateTransition }

// OrderParameterError names the offending order field.
type OrderParameterError struct {
	Field  string
	Reason string
}

func (e *OrderParameterError) Error() string {
	return fmt.Sprintf("invalid order parameters: %s %s", e.Field, e.Reason)
}

func (e *OrderParameterError) Unwrap() error { return ErrInvalidOrderParameters }

// PlanLimitError reports the plan bounds a principal violated.
type PlanLimitError struct {
	PlanID    string
	Principal decimal.Decimal
	Min       decimal.Decimal
	Max       decimal.Decimal
}

func (e *PlanLimitError) Error() string {
	return fmt.Sprintf("plan limit violation: principal %s outside [%s, %s] for plan %s",
		e.Principal, e.Min, e.Max, e.PlanID)
}

func (e *PlanLimitError) Unwrap() error { return ErrPlanLimitViolation }

// NotFoundError identifies the missing record.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NotFound is shorthand for &NotFoundError{Entity: entity, ID: id}.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}
