// Package api provides the HTTP handlers for the ledger engine's queries
// and commands.
//
// The authenticated account id is supplied by the identity service in
// front of us through the X-Account-ID header and is trusted as given.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/ledger-engine/internal/accrual"
	"github.com/atmx/ledger-engine/internal/balance"
	"github.com/atmx/ledger-engine/internal/catalog"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/model"
	"github.com/atmx/ledger-engine/internal/payment"
	"github.com/atmx/ledger-engine/internal/position"
	"github.com/atmx/ledger-engine/internal/settlement"
)

// AccountHeader carries the caller's account id.
const AccountHeader = "X-Account-ID"

// Deps are the engines the handlers front.
type Deps struct {
	Ledger      *balance.Ledger
	Positions   *position.Engine
	Investments *accrual.Engine
	Plans       catalog.Catalog
	Payments    *payment.Intake
	Settlement  *settlement.Job
	Clock       clock.Clock
}

// Handler serves the /api/v1 routes.
type Handler struct {
	ledger      *balance.Ledger
	positions   *position.Engine
	investments *accrual.Engine
	plans       catalog.Catalog
	payments    *payment.Intake
	settlement  *settlement.Job
	clock       clock.Clock
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	clk := d.Clock
	if clk == nil {
		clk = clock.System{}
	}
	return &Handler{
		ledger:      d.Ledger,
		positions:   d.Positions,
		investments: d.Investments,
		plans:       d.Plans,
		payments:    d.Payments,
		settlement:  d.Settlement,
		clock:       clk,
	}
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	AccountID      string          `json:"account_id,omitempty"`
	InitialBalance decimal.Decimal `json:"initial_balance"`
}

// DepositRequest is the JSON body for POST /accounts/{accountID}/deposits.
type DepositRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	ReferenceID string          `json:"reference_id"`
}

// BalanceResponse is returned from GET /accounts/{accountID}/balance.
type BalanceResponse struct {
	AccountID string          `json:"account_id"`
	Balance   decimal.Decimal `json:"balance"`
}

// ClosePositionRequest is the JSON body for POST /positions/{positionID}/close.
type ClosePositionRequest struct {
	ClosePrice decimal.Decimal `json:"close_price"`
}

// PriceRequest is the JSON body for POST /prices.
type PriceRequest struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

// PriceResponse lists the positions closed by a price update.
type PriceResponse struct {
	Closed []model.TradePosition `json:"closed"`
	Errors string                `json:"errors,omitempty"`
}

// CreateInvestmentRequest is the JSON body for POST /investments.
type CreateInvestmentRequest struct {
	PlanID    string          `json:"plan_id"`
	Principal decimal.Decimal `json:"principal"`
}

// AccruedResponse is returned from GET /investments/{investmentID}/accrued.
type AccruedResponse struct {
	InvestmentID string          `json:"investment_id"`
	AsOf         time.Time       `json:"as_of"`
	Accrued      decimal.Decimal `json:"accrued"`
}

// PaymentResponse is returned from POST /payments/confirmed.
type PaymentResponse struct {
	Investment *model.Investment `json:"investment"`
	Duplicate  bool              `json:"duplicate"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func callerAccount(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(AccountHeader)
	if id == "" {
		writeError(w, AccountHeader+" header is required", http.StatusBadRequest)
		return "", false
	}
	return id, true
}

// --- Accounts ---

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.OpenAccount(r.Context(), req.AccountID, req.InitialBalance)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetBalance handles GET /api/v1/accounts/{accountID}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	bal, err := h.ledger.Balance(r.Context(), accountID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{AccountID: accountID, Balance: bal})
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposits
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	var req DepositRequest
	if !decode(w, r, &req) {
		return
	}
	acct, err := h.ledger.Deposit(r.Context(), chi.URLParam(r, "accountID"), req.Amount, req.ReferenceID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetLedger handles GET /api/v1/accounts/{accountID}/ledger
func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.Entries(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// ListPositions handles GET /api/v1/accounts/{accountID}/positions
func (h *Handler) ListPositions(w http.ResponseWriter, r *http.Request) {
	positions, err := h.positions.List(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if positions == nil {
		positions = []model.TradePosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}

// ListInvestments handles GET /api/v1/accounts/{accountID}/investments
func (h *Handler) ListInvestments(w http.ResponseWriter, r *http.Request) {
	investments, err := h.investments.List(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if investments == nil {
		investments = []model.Investment{}
	}
	writeJSON(w, http.StatusOK, investments)
}

// --- Positions ---

// OpenPosition handles POST /api/v1/positions
func (h *Handler) OpenPosition(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	var req position.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	req.AccountID = accountID

	pos, err := h.positions.Open(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

// ownedPosition loads a position and hides it from other accounts.
func (h *Handler) ownedPosition(w http.ResponseWriter, r *http.Request) (*model.TradePosition, bool) {
	accountID, ok := callerAccount(w, r)
	if !ok {
		return nil, false
	}
	id := chi.URLParam(r, "positionID")
	pos, err := h.positions.Get(r.Context(), id)
	if err == nil && pos.AccountID != accountID {
		err = model.NotFound("position", id)
	}
	if err != nil {
		writeErr(w, r, err)
		return nil, false
	}
	return pos, true
}

// ClosePosition handles POST /api/v1/positions/{positionID}/close
func (h *Handler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.ownedPosition(w, r)
	if !ok {
		return
	}
	var req ClosePositionRequest
	if !decode(w, r, &req) {
		return
	}
	closed, err := h.positions.Close(r.Context(), pos.ID, req.ClosePrice)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, closed)
}

// CancelPosition handles POST /api/v1/positions/{positionID}/cancel
func (h *Handler) CancelPosition(w http.ResponseWriter, r *http.Request) {
	pos, ok := h.ownedPosition(w, r)
	if !ok {
		return
	}
	cancelled, err := h.positions.Cancel(r.Context(), pos.ID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// ApplyPrice handles POST /api/v1/prices
// Closes every open position in the symbol whose stop-loss or take-profit
// the price crosses.
func (h *Handler) ApplyPrice(w http.ResponseWriter, r *http.Request) {
	var req PriceRequest
	if !decode(w, r, &req) {
		return
	}
	closed, err := h.positions.ApplyPrice(r.Context(), req.Symbol, req.Price)
	if err != nil && len(closed) == 0 {
		writeErr(w, r, err)
		return
	}
	resp := PriceResponse{Closed: closed}
	if resp.Closed == nil {
		resp.Closed = []model.TradePosition{}
	}
	if err != nil {
		resp.Errors = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Investments ---

// ListPlans handles GET /api/v1/plans
func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.plans.Plans(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plans)
}

// CreateInvestment handles POST /api/v1/investments
func (h *Handler) CreateInvestment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	var req CreateInvestmentRequest
	if !decode(w, r, &req) {
		return
	}
	inv, err := h.investments.Create(r.Context(), accountID, req.PlanID, req.Principal)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

// GetAccrued handles GET /api/v1/investments/{investmentID}/accrued
// Optional ?as_of=RFC3339 defaults to now.
func (h *Handler) GetAccrued(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "investmentID")
	asOf := h.clock.Now()
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "as_of must be RFC3339", http.StatusBadRequest)
			return
		}
		asOf = t.UTC()
	}

	accrued, err := h.investments.AccruedProfit(r.Context(), id, asOf)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AccruedResponse{InvestmentID: id, AsOf: asOf, Accrued: accrued})
}

// CancelInvestment handles POST /api/v1/investments/{investmentID}/cancel
func (h *Handler) CancelInvestment(w http.ResponseWriter, r *http.Request) {
	accountID, ok := callerAccount(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "investmentID")
	inv, err := h.investments.Get(r.Context(), id)
	if err == nil && inv.AccountID != accountID {
		err = model.NotFound("investment", id)
	}
	if err != nil {
		writeErr(w, r, err)
		return
	}

	cancelled, err := h.investments.Cancel(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cancelled)
}

// ConfirmPayment handles POST /api/v1/payments/confirmed
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req payment.Confirmation
	if !decode(w, r, &req) {
		return
	}
	inv, dup, err := h.payments.Confirm(r.Context(), req)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, PaymentResponse{Investment: inv, Duplicate: dup})
}

// --- Settlement ---

// RunSettlement handles POST /api/v1/settlement/run
func (h *Handler) RunSettlement(w http.ResponseWriter, r *http.Request) {
	report, err := h.settlement.RunOnce(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// LastSettlement handles GET /api/v1/settlement/last
func (h *Handler) LastSettlement(w http.ResponseWriter, r *http.Request) {
	report := h.settlement.LastReport()
	if report == nil {
		writeErr(w, r, &model.NotFoundError{Entity: "settlement run", ID: "last"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}
