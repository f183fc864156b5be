package loans

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// Generator builds the monthly SCHEDULED payments covering a loan's remaining term.
type Generator struct {
	repo LoanRepository
	now  Clock
}

// NewGenerator creates a schedule generator.
func NewGenerator(repo LoanRepository, now Clock) *Generator {
	if now == nil {
		now = time.Now
	}
	return &Generator{repo: repo, now: now}
}

// Generate replaces the loan's pending schedule with one row per remaining month.
// Each row carries the EMI as its amount; the principal and interest portions are
// settled at execution time. Previously SCHEDULED rows are cancelled in the same unit
// and the loan's next payment date moves to the first new row.
func (g *Generator) Generate(ctx context.Context, loanID uuid.UUID) ([]*core.LoanPayment, error) {
	var rows []*core.LoanPayment
	err := retryOnConflict(ctx, func() error {
		loan, err := g.repo.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		if !loan.IsActive() {
			return fmt.Errorf("%w: loan %s is %s", core.ErrInvalidState, loan.ID, loan.Status)
		}
		emi, err := installmentFor(loan)
		if err != nil {
			return err
		}

		now := g.now()
		first := core.StartOfDay(now)
		if loan.NextPaymentDate != nil {
			first = core.StartOfDay(*loan.NextPaymentDate)
		}

		rows = make([]*core.LoanPayment, 0, loan.RemainingTermMonths)
		for i := 0; i < loan.RemainingTermMonths; i++ {
			rows = append(rows, &core.LoanPayment{
				ID:            uuid.New(),
				LoanID:        loan.ID,
				Amount:        emi,
				IsScheduled:   true,
				ScheduledDate: core.TimePtr(core.AddMonths(first, i)),
				Status:        core.PaymentScheduled,
				CreatedAt:     now,
				UpdatedAt:     now,
			})
		}

		_, err = g.repo.ReplaceSchedule(ctx, loan.ID, loan.Version, rows, func(l *core.Loan) error {
			l.NextPaymentDate = core.TimePtr(first)
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Generated payment schedule",
		applog.FieldLoanID, loanID,
		"payments", len(rows),
		"emi", rows[0].Amount.StringFixed(2),
		"first_due", rows[0].ScheduledDate.Format("2006-01-02"))
	return rows, nil
}
