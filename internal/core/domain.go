package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	LoanActive     LoanStatus = "ACTIVE"
	LoanPaidOff    LoanStatus = "PAID_OFF"
	LoanDefaulted  LoanStatus = "DEFAULTED"
	LoanRefinanced LoanStatus = "REFINANCED"
	LoanPaused     LoanStatus = "PAUSED"
)

const (
	PaymentScheduled PaymentStatus = "SCHEDULED"
	PaymentCompleted PaymentStatus = "COMPLETED"
	PaymentDefaulted PaymentStatus = "DEFAULTED"
	PaymentCancelled PaymentStatus = "CANCELLED"
)

const (
	PrePaymentNone    PrePaymentType = ""
	PrePaymentFull    PrePaymentType = "FULL"
	PrePaymentPartial PrePaymentType = "PARTIAL"
	PrePaymentEMIOnly PrePaymentType = "EMI_ONLY"
)

type (
	LoanStatus     string
	PaymentStatus  string
	PrePaymentType string

	// Loan is an installment loan owned by a user and repaid from one ledger account.
	Loan struct {
		ID        uuid.UUID
		UserID    string
		AccountID string
		Name      string

		// Terms fixed at origination.
		OriginalPrincipal  decimal.Decimal
		OriginalRate       decimal.Decimal // annual, percent
		OriginalTermMonths int
		StartDate          time.Time

		CurrentBalance      decimal.Decimal
		CurrentRate         *decimal.Decimal // overrides OriginalRate when set
		RemainingTermMonths int
		Status              LoanStatus
		NextPaymentDate     *time.Time
		LastPaymentDate     *time.Time

		TotalPaid          decimal.Decimal
		TotalInterestPaid  decimal.Decimal
		TotalPrepaid       decimal.Decimal
		TotalInterestSaved decimal.Decimal

		Version   int64
		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// LoanPayment is one settlement against a loan, either scheduled or ad hoc.
	LoanPayment struct {
		ID            uuid.UUID
		LoanID        uuid.UUID
		LedgerEntryID string

		Amount    decimal.Decimal
		Principal decimal.Decimal
		Interest  decimal.Decimal

		IsPrePayment   bool
		PrePaymentType PrePaymentType

		IsScheduled   bool
		ScheduledDate *time.Time
		PaymentDate   *time.Time
		Status        PaymentStatus
		DefaultReason string

		InterestSavings decimal.Decimal
		TermReduction   int

		CreatedAt time.Time
		UpdatedAt time.Time
	}
)

// EffectiveRate returns the annual percentage rate currently applied to the loan.
func (l *Loan) EffectiveRate() decimal.Decimal {
	if l.CurrentRate != nil {
		return *l.CurrentRate
	}
	return l.OriginalRate
}

// IsActive reports whether payments may be executed against the loan.
func (l *Loan) IsActive() bool {
	return l.Status == LoanActive
}

// Clone returns a deep copy so callers can mutate without aliasing pointer fields.
func (l *Loan) Clone() *Loan {
	c := *l
	if l.CurrentRate != nil {
		r := *l.CurrentRate
		c.CurrentRate = &r
	}
	c.NextPaymentDate = cloneTime(l.NextPaymentDate)
	c.LastPaymentDate = cloneTime(l.LastPaymentDate)
	return &c
}

// Clone returns a deep copy of the payment.
func (p *LoanPayment) Clone() *LoanPayment {
	c := *p
	c.ScheduledDate = cloneTime(p.ScheduledDate)
	c.PaymentDate = cloneTime(p.PaymentDate)
	return &c
}

// DueDate is the date the payment is ordered by: the scheduled date when present,
// otherwise the execution date.
func (p *LoanPayment) DueDate() time.Time {
	if p.ScheduledDate != nil {
		return *p.ScheduledDate
	}
	if p.PaymentDate != nil {
		return *p.PaymentDate
	}
	return p.CreatedAt
}

// IsTerminal reports whether the status can no longer change.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentCompleted || s == PaymentDefaulted || s == PaymentCancelled
}

// CanTransition reports whether a payment may move from s to next.
// Only SCHEDULED rows move, and only forward.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	return s == PaymentScheduled && next.IsTerminal()
}

// Valid reports whether s is a known loan status.
func (s LoanStatus) Valid() bool {
	switch s {
	case LoanActive, LoanPaidOff, LoanDefaulted, LoanRefinanced, LoanPaused:
		return true
	default:
		return false
	}
}

// CanBecome reports whether a user-requested status change is allowed.
// PAID_OFF is reached only by settling the balance.
func (s LoanStatus) CanBecome(next LoanStatus) bool {
	switch s {
	case LoanActive:
		return next == LoanPaused || next == LoanRefinanced || next == LoanDefaulted
	case LoanPaused:
		return next == LoanActive
	default:
		return false
	}
}

// StartOfDay truncates t to midnight in its own location.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// AddMonths advances t by n calendar months, clamping to the last day of the target
// month so that Jan 31 + 1 month is Feb 28/29 rather than early March.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// TimePtr returns a pointer to a copy of t.
func TimePtr(t time.Time) *time.Time {
	return &t
}

// CheckLoanUpdate verifies that next is a legal successor of prev: the balance never
// grows or goes negative, paid totals never shrink, and PAID_OFF holds exactly when the
// balance is zero.
func CheckLoanUpdate(prev, next *Loan) error {
	if next.CurrentBalance.IsNegative() {
		return fmt.Errorf("%w: balance would become negative (%s)", ErrInvalidState, next.CurrentBalance)
	}
	if next.CurrentBalance.GreaterThan(prev.CurrentBalance) {
		return fmt.Errorf("%w: balance would increase from %s to %s", ErrInvalidState, prev.CurrentBalance, next.CurrentBalance)
	}
	if next.TotalPaid.LessThan(prev.TotalPaid) || next.TotalInterestPaid.LessThan(prev.TotalInterestPaid) {
		return fmt.Errorf("%w: paid totals must not decrease", ErrInvalidState)
	}
	if next.RemainingTermMonths < 0 {
		return fmt.Errorf("%w: remaining term must not be negative", ErrInvalidState)
	}
	if (next.Status == LoanPaidOff) != next.CurrentBalance.IsZero() {
		return fmt.Errorf("%w: status %s inconsistent with balance %s", ErrInvalidState, next.Status, next.CurrentBalance)
	}
	return nil
}
