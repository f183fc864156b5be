// Package worker drives the periodic payment run: settle due scheduled payments,
// then default payments left unpaid past the grace period.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"loanledger/internal/core"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
)

// PaymentRunner settles the SCHEDULED payments due today.
type PaymentRunner interface {
	RunScheduledPayments(ctx context.Context) (loans.RunReport, error)
}

// OverdueReconciler defaults payments overdue by more than grace.
type OverdueReconciler interface {
	Reconcile(ctx context.Context, grace time.Duration) (int, error)
}

// Config tunes the worker loop.
type Config struct {
	Interval     time.Duration
	RunOnStartup bool
	// OverdueGrace of zero disables reconciliation.
	OverdueGrace time.Duration
}

// CycleReport is the outcome of one worker cycle.
type CycleReport struct {
	Payments loans.RunReport
	// Skipped is set when another process held the run lock.
	Skipped            bool
	OverdueDefaulted   int
	ReconcileAttempted bool
}

// PaymentWorker runs payment cycles on a fixed interval.
type PaymentWorker struct {
	runner     PaymentRunner
	reconciler OverdueReconciler
	cfg        Config
	logger     *applog.Logger
}

func NewPaymentWorker(runner PaymentRunner, reconciler OverdueReconciler, cfg Config, logger *applog.Logger) *PaymentWorker {
	if logger == nil {
		logger = applog.New(applog.DefaultConfig())
	}
	return &PaymentWorker{
		runner:     runner,
		reconciler: reconciler,
		cfg:        cfg,
		logger:     logger.WithComponent(applog.ComponentWorker),
	}
}

// RunCycle executes one payment run followed by overdue reconciliation. A run lock
// held elsewhere skips the payment run but still reconciles.
func (w *PaymentWorker) RunCycle(ctx context.Context) (CycleReport, error) {
	var report CycleReport
	start := time.Now()

	payments, err := w.runner.RunScheduledPayments(ctx)
	switch {
	case errors.Is(err, core.ErrRunInProgress):
		report.Skipped = true
		w.logger.InfoContext(ctx, "Payment run skipped, another run holds the lock",
			applog.FieldOperation, applog.OpPaymentRun)
	case err != nil:
		return report, fmt.Errorf("payment run: %w", err)
	default:
		report.Payments = payments
		w.logger.InfoContext(ctx, "Payment run complete",
			applog.FieldOperation, applog.OpPaymentRun,
			"processed", payments.Processed,
			"completed", payments.Completed,
			"defaulted", payments.Defaulted,
			"deferred", payments.Deferred,
			"skipped", payments.Skipped,
			applog.FieldDuration, time.Since(start).Milliseconds())
	}

	if w.reconciler == nil || w.cfg.OverdueGrace <= 0 {
		return report, nil
	}
	report.ReconcileAttempted = true
	n, err := w.reconciler.Reconcile(ctx, w.cfg.OverdueGrace)
	if err != nil {
		return report, fmt.Errorf("overdue reconciliation: %w", err)
	}
	report.OverdueDefaulted = n
	if n > 0 {
		w.logger.WarnContext(ctx, "Overdue payments defaulted",
			applog.FieldOperation, applog.OpReconcile,
			"count", n,
			"grace", w.cfg.OverdueGrace.String())
	}
	return report, nil
}

// Run executes cycles until ctx is cancelled. Cycle errors are logged and the loop
// continues with the next tick.
func (w *PaymentWorker) Run(ctx context.Context) {
	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	w.logger.Info("Payment worker started",
		"interval", interval.String(),
		"run_on_startup", w.cfg.RunOnStartup,
		"overdue_grace", w.cfg.OverdueGrace.String())

	if w.cfg.RunOnStartup {
		w.cycle(ctx)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Payment worker stopped")
			return
		case now := <-ticker.C:
			w.cycle(ctx)
			w.logger.Debug("Next payment cycle scheduled", "at", now.Add(interval).Format(time.RFC3339))
		}
	}
}

func (w *PaymentWorker) cycle(ctx context.Context) {
	if _, err := w.RunCycle(ctx); err != nil {
		w.logger.ErrorContext(ctx, "Payment cycle failed", applog.FieldError, err.Error())
	}
}
