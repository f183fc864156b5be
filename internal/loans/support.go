package loans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/amortization"
	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// maxVersionRetries bounds how often an optimistic loan update is re-read and retried.
const maxVersionRetries = 3

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// retryOnConflict runs fn until it succeeds, fails with something other than a
// version conflict, or the attempts are spent.
func retryOnConflict(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxVersionRetries; attempt++ {
		if err = fn(); !errors.Is(err, core.ErrVersionConflict) {
			return err
		}
		if ctx.Err() != nil {
			return core.Infra(ctx.Err())
		}
		slog.DebugContext(ctx, "Retrying loan update after version conflict", "attempt", attempt)
	}
	return err
}

// installmentFor is the EMI that amortizes the loan's current balance over its
// remaining term at its effective rate.
func installmentFor(loan *core.Loan) (decimal.Decimal, error) {
	if loan.RemainingTermMonths <= 0 {
		return decimal.Zero, fmt.Errorf("%w: loan %s has no remaining term", core.ErrInvalidState, loan.ID)
	}
	return amortization.ComputeEMI(loan.CurrentBalance, loan.EffectiveRate(), loan.RemainingTermMonths)
}

// publish delivers ev when a publisher is configured. Delivery failures are logged only.
func publish(ctx context.Context, pub EventPublisher, ev core.PaymentEvent) {
	if pub == nil {
		return
	}
	if err := pub.PublishPaymentEvent(ctx, ev); err != nil {
		slog.WarnContext(ctx, "Failed to publish payment event",
			"type", ev.Type,
			applog.FieldPaymentID, ev.PaymentID,
			applog.FieldError, err)
	}
}

// loadOwnedLoan reads a loan and hides loans owned by someone else behind NotFound.
// An empty userID skips the ownership check.
func loadOwnedLoan(ctx context.Context, repo LoanRepository, loanID uuid.UUID, userID string) (*core.Loan, error) {
	loan, err := repo.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	if userID != "" && loan.UserID != userID {
		return nil, fmt.Errorf("%w: loan %s", core.ErrNotFound, loanID)
	}
	return loan, nil
}
