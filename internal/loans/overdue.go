package loans

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// OverdueMonitor reports SCHEDULED payments whose date has passed.
type OverdueMonitor struct {
	repo   LoanRepository
	events EventPublisher
	now    Clock
}

// NewOverdueMonitor creates an overdue monitor. events may be nil.
func NewOverdueMonitor(repo LoanRepository, events EventPublisher, now Clock) *OverdueMonitor {
	if now == nil {
		now = time.Now
	}
	return &OverdueMonitor{repo: repo, events: events, now: now}
}

// FindOverdue lists SCHEDULED payments due before now, oldest first. An empty userID
// covers every user. It never changes state.
func (m *OverdueMonitor) FindOverdue(ctx context.Context, userID string) ([]*core.LoanPayment, error) {
	payments, err := m.repo.FindOverdue(ctx, userID, m.now())
	if err != nil {
		return nil, core.Infra(err)
	}
	return payments, nil
}

// Reconcile marks SCHEDULED payments that are overdue by more than grace as
// DEFAULTED. A zero grace disables reconciliation. It returns how many payments
// were defaulted.
func (m *OverdueMonitor) Reconcile(ctx context.Context, grace time.Duration) (int, error) {
	if grace <= 0 {
		return 0, nil
	}
	cutoff := core.StartOfDay(m.now()).Add(-grace)
	stale, err := m.repo.FindOverdue(ctx, "", cutoff)
	if err != nil {
		return 0, core.Infra(err)
	}

	defaulted := 0
	for _, p := range stale {
		updated, err := m.repo.TransitionPayment(ctx, p.ID, core.PaymentDefaulted, ReasonMissedWindow)
		if err != nil {
			if !errors.Is(err, core.ErrInvalidState) {
				slog.ErrorContext(ctx, "Failed to default overdue payment",
					applog.FieldPaymentID, p.ID,
					applog.FieldLoanID, p.LoanID,
					applog.FieldError, err)
			}
			continue
		}
		defaulted++
		publish(ctx, m.events, core.NewPaymentEvent(core.EventPaymentDefaulted, updated, nil, m.now()))
	}

	if defaulted > 0 {
		slog.InfoContext(ctx, "Reconciled overdue payments",
			"defaulted", defaulted,
			"cutoff", cutoff.Format("2006-01-02"))
	}
	return defaulted, nil
}
