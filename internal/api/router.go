package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/ledger-engine/internal/metrics"
)

// NewRouter builds the full HTTP surface. ws may be nil to leave out the
// WebSocket stream.
func NewRouter(h *Handler, ws http.HandlerFunc) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+AccountHeader)
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket stream of BalanceChanged events. Registered outside the
		// timeout group: the connection is long-lived.
		if ws != nil {
			r.Get("/ws", ws)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Logger)
			r.Use(middleware.Timeout(30 * time.Second))

			// Accounts and queries.
			r.Post("/accounts", h.CreateAccount)
			r.Get("/accounts/{accountID}/balance", h.GetBalance)
			r.Post("/accounts/{accountID}/deposits", h.Deposit)
			r.Get("/accounts/{accountID}/ledger", h.GetLedger)
			r.Get("/accounts/{accountID}/positions", h.ListPositions)
			r.Get("/accounts/{accountID}/investments", h.ListInvestments)

			// Trade positions.
			r.Post("/positions", h.OpenPosition)
			r.Post("/positions/{positionID}/close", h.ClosePosition)
			r.Post("/positions/{positionID}/cancel", h.CancelPosition)
			r.Post("/prices", h.ApplyPrice)

			// Investments.
			r.Get("/plans", h.ListPlans)
			r.Post("/investments", h.CreateInvestment)
			r.Get("/investments/{investmentID}/accrued", h.GetAccrued)
			r.Post("/investments/{investmentID}/cancel", h.CancelInvestment)
			r.Post("/payments/confirmed", h.ConfirmPayment)

			// Settlement.
			r.Post("/settlement/run", h.RunSettlement)
			r.Get("/settlement/last", h.LastSettlement)
		})
	})

	return r
}
