// Package settlement runs the recurring payout batch: it scans investments
// due for payout and settles each one through the accrual engine, isolating
// per-item failures into the run report.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/ledger-engine/internal/accrual"
	"github.com/atmx/ledger-engine/internal/clock"
	"github.com/atmx/ledger-engine/internal/metrics"
	"github.com/atmx/ledger-engine/internal/model"
)

const unitTimeout = 30 * time.Second

// Settler is the slice of the accrual engine the job needs.
type Settler interface {
	Due(ctx context.Context, asOf time.Time, limit int) ([]model.Investment, error)
	Settle(ctx context.Context, investmentID string, now time.Time) (*accrual.Payout, error)
}

// Config tunes the job.
type Config struct {
	Interval    time.Duration
	Concurrency int
	BatchSize   int
}

// Settled is one successfully processed investment.
type Settled struct {
	InvestmentID      string          `json:"investment_id"`
	AccountID         string          `json:"account_id"`
	Profit            decimal.Decimal `json:"profit"`
	TotalEarned       decimal.Decimal `json:"total_earned"`
	Completed         bool            `json:"completed"`
	PrincipalReturned bool            `json:"principal_returned,omitempty"`
}

// Failure is one investment that could not be settled. It stays due and is
// picked up again by the next run.
type Failure struct {
	InvestmentID string `json:"investment_id"`
	Error        string `json:"error"`
}

// Report is the result of one run.
type Report struct {
	RunID      string    `json:"run_id"`
	AsOf       time.Time `json:"as_of"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Settled    []Settled `json:"settled"`
	Failed     []Failure `json:"failed"`
	Skipped    int       `json:"skipped"`
}

// Job is the payout settlement batch.
type Job struct {
	settler Settler
	clock   clock.Clock
	cfg     Config
	log     *slog.Logger

	runMu sync.Mutex // one run at a time

	mu   sync.RWMutex
	last *Report
}

// New creates a settlement job.
func New(settler Settler, clk clock.Clock, cfg Config, log *slog.Logger) *Job {
	if clk == nil {
		clk = clock.System{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	return &Job{settler: settler, clock: clk, cfg: cfg, log: log}
}

// Run settles on every tick until ctx is cancelled. A run in progress when
// ctx is cancelled stops scheduling new investments but lets every started
// one finish.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			j.log.Info("stopping settlement job")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *Job) runLogged(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
		j.log.Error("settlement run failed", "err", err)
	}
}

// RunOnce settles every investment due now and returns the report. The
// error is non-nil only when the due list itself could not be loaded.
func (j *Job) RunOnce(ctx context.Context) (*Report, error) {
	j.runMu.Lock()
	defer j.runMu.Unlock()

	start := time.Now()
	now := j.clock.Now()
	report := &Report{
		RunID:     ulid.Make().String(),
		AsOf:      now,
		StartedAt: start.UTC(),
		Settled:   []Settled{},
		Failed:    []Failure{},
	}
	metrics.SettlementRuns.Inc()

	due, err := j.settler.Due(ctx, now, j.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("list due investments: %w", err)
	}

	type result struct {
		payout *accrual.Payout
		err    error
	}
	results := make([]result, len(due))
	scheduled := len(due)

	var g errgroup.Group
	g.SetLimit(j.cfg.Concurrency)
	for i := range due {
		if ctx.Err() != nil {
			j.log.Info("settlement run interrupted", "run_id", report.RunID, "remaining", len(due)-i)
			scheduled = i
			break
		}
		i, id := i, due[i].ID
		g.Go(func() error {
			p, err := j.settleOne(ctx, id, now)
			results[i] = result{payout: p, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, r := range results[:scheduled] {
		if r.err != nil {
			metrics.SettlementItems.WithLabelValues("failed").Inc()
			j.log.Error("settlement failed", "run_id", report.RunID, "investment_id", due[i].ID, "err", r.err)
			report.Failed = append(report.Failed, Failure{InvestmentID: due[i].ID, Error: r.err.Error()})
			continue
		}
		if r.payout.Skipped {
			metrics.SettlementItems.WithLabelValues("skipped").Inc()
			report.Skipped++
			continue
		}
		metrics.SettlementItems.WithLabelValues("settled").Inc()
		inv := r.payout.Investment
		report.Settled = append(report.Settled, Settled{
			InvestmentID:      inv.ID,
			AccountID:         inv.AccountID,
			Profit:            r.payout.Profit,
			TotalEarned:       inv.TotalEarned,
			Completed:         r.payout.Completed,
			PrincipalReturned: r.payout.PrincipalReturned,
		})
	}

	report.FinishedAt = time.Now().UTC()
	metrics.SettlementDuration.Observe(time.Since(start).Seconds())

	j.mu.Lock()
	j.last = report
	j.mu.Unlock()

	j.log.Info("settlement run finished",
		"run_id", report.RunID,
		"due", len(due),
		"settled", len(report.Settled),
		"failed", len(report.Failed),
		"skipped", report.Skipped,
		"duration", time.Since(start),
	)
	return report, nil
}

// settleOne runs one investment's unit detached from ctx cancellation so a
// shutdown never interrupts it mid-credit. A panic is reported as a failure
// of that investment only.
func (j *Job) settleOne(ctx context.Context, id string, now time.Time) (p *accrual.Payout, err error) {
	defer func() {
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unitTimeout)
	defer cancel()
	return j.settler.Settle(ctx, id, now)
}

// LastReport returns the most recent run report, or nil before the first run.
func (j *Job) LastReport() *Report {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.last
}
