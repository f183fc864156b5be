package loans

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"loanledger/internal/core"
)

// Validate checks the settlement before a repository applies it.
func (s Settlement) Validate() error {
	if s.Payment == nil || s.Mutate == nil {
		return fmt.Errorf("%w: settlement needs a payment and a mutation", core.ErrInvalidArgument)
	}
	if s.Payment.Status != core.PaymentCompleted {
		return fmt.Errorf("%w: settled payment must be COMPLETED, got %s", core.ErrInvalidArgument, s.Payment.Status)
	}
	if s.Payment.LedgerEntryID == "" {
		return fmt.Errorf("%w: completed payment %s has no ledger entry", core.ErrInvalidArgument, s.Payment.ID)
	}
	if !s.Payment.Principal.Add(s.Payment.Interest).Equal(s.Payment.Amount) {
		return fmt.Errorf("%w: principal and interest do not sum to the amount", core.ErrInvalidArgument)
	}
	return nil
}

// ScheduleOverflow returns the SCHEDULED payments to cancel after loan was updated:
// all of them once the loan is paid off, otherwise those beyond its remaining term.
// scheduled is sorted in place by due date.
func ScheduleOverflow(loan *core.Loan, scheduled []*core.LoanPayment) []*core.LoanPayment {
	sort.SliceStable(scheduled, func(i, j int) bool {
		return scheduled[i].DueDate().Before(scheduled[j].DueDate())
	})
	keep := loan.RemainingTermMonths
	if loan.Status == core.LoanPaidOff || keep < 0 {
		keep = 0
	}
	if len(scheduled) <= keep {
		return nil
	}
	return scheduled[keep:]
}

// Apply runs the settlement's mutation on loan and returns the SCHEDULED payments to
// cancel with it. scheduled holds the loan's SCHEDULED payments other than the one
// being settled. With SyncNextDate the loan's next payment date becomes the earliest
// payment still scheduled afterwards.
func (s Settlement) Apply(loan *core.Loan, scheduled []*core.LoanPayment) ([]*core.LoanPayment, error) {
	if err := s.Mutate(loan); err != nil {
		return nil, err
	}
	var overflow []*core.LoanPayment
	if s.TrimSchedule {
		overflow = ScheduleOverflow(loan, scheduled)
	}
	if s.SyncNextDate && loan.Status != core.LoanPaidOff {
		cancelled := make(map[uuid.UUID]bool, len(overflow))
		for _, p := range overflow {
			cancelled[p.ID] = true
		}
		var rest []*core.LoanPayment
		for _, p := range scheduled {
			if !cancelled[p.ID] {
				rest = append(rest, p)
			}
		}
		loan.NextPaymentDate = NextScheduledDate(rest)
	}
	return overflow, nil
}

// NextScheduledDate is the earliest scheduled date among the SCHEDULED payments, or
// nil when none is left.
func NextScheduledDate(payments []*core.LoanPayment) *time.Time {
	var next *time.Time
	for _, p := range payments {
		if p.Status != core.PaymentScheduled || p.ScheduledDate == nil {
			continue
		}
		if next == nil || p.ScheduledDate.Before(*next) {
			next = core.TimePtr(*p.ScheduledDate)
		}
	}
	return next
}
