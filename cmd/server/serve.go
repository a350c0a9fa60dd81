package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/ledger-engine/internal/api"
	"github.com/atmx/ledger-engine/internal/notify"
	"github.com/atmx/ledger-engine/internal/payment"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, settlement loop and event consumers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func runServe(ctx context.Context) error {
	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- Notification fan-out ---
	wsHub := notify.NewWSHub()
	transports := []notify.Transport{wsHub}

	var publisher *notify.AMQPPublisher
	if cfg.AMQPURL != "" {
		publisher, err = notify.NewAMQPPublisher(cfg.AMQPURL, cfg.NotifyExchange)
		if err != nil {
			return err
		}
		defer publisher.Close()
		transports = append(transports, publisher)
		slog.Info("publishing balance events", "exchange", cfg.NotifyExchange)
	}
	dispatcher := notify.NewDispatcher(notify.Options{Logger: slog.Default().With("component", "notify")}, transports...)

	core, err := buildEngines(cfg, st.store, dispatcher)
	if err != nil {
		return err
	}
	intake := payment.NewIntake(core.investments, slog.Default().With("component", "payment"))

	var consumer *payment.Consumer
	if cfg.AMQPURL != "" {
		consumer, err = payment.NewConsumer(payment.ConsumerConfig{
			URL:   cfg.AMQPURL,
			Queue: cfg.PaymentQueue,
		}, intake, slog.Default().With("component", "payment-consumer"))
		if err != nil {
			return err
		}
		defer consumer.Close()
	} else {
		slog.Warn("AMQP_URL not set, payment confirmations accepted over HTTP only")
	}

	// --- HTTP router ---
	h := api.NewHandler(api.Deps{
		Ledger:      core.ledger,
		Positions:   core.positions,
		Investments: core.investments,
		Plans:       core.plans,
		Payments:    intake,
		Settlement:  core.settlement,
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(h, wsHub.HandleWS),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	dispatcher.Start(gctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		core.settlement.Run(gctx)
		return nil
	})
	if consumer != nil {
		g.Go(func() error { return consumer.Start(gctx) })
	}
	g.Go(func() error {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down ledger-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	dispatcher.Wait()
	slog.Info("ledger-engine stopped")
	return err
}
