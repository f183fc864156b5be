package core

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPaymentStatusCanTransition(t *testing.T) {
	cases := []struct {
		from, to PaymentStatus
		ok       bool
	}{
		{PaymentScheduled, PaymentCompleted, true},
		{PaymentScheduled, PaymentDefaulted, true},
		{PaymentScheduled, PaymentCancelled, true},
		{PaymentScheduled, PaymentScheduled, false},
		{PaymentCompleted, PaymentDefaulted, false},
		{PaymentDefaulted, PaymentScheduled, false},
		{PaymentCancelled, PaymentCompleted, false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransition(tc.to); got != tc.ok {
			t.Fatalf("%s -> %s: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestLoanStatusCanBecome(t *testing.T) {
	if !LoanActive.CanBecome(LoanPaused) || !LoanPaused.CanBecome(LoanActive) {
		t.Fatalf("expected ACTIVE <-> PAUSED to be allowed")
	}
	if LoanActive.CanBecome(LoanPaidOff) {
		t.Fatalf("PAID_OFF must only be reached by settling the balance")
	}
	if LoanPaidOff.CanBecome(LoanActive) {
		t.Fatalf("a paid off loan cannot be reactivated")
	}
}

func TestEffectiveRate(t *testing.T) {
	l := &Loan{OriginalRate: decimal.NewFromInt(10)}
	if !l.EffectiveRate().Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected original rate")
	}
	override := decimal.NewFromFloat(8.5)
	l.CurrentRate = &override
	if !l.EffectiveRate().Equal(override) {
		t.Fatalf("expected override rate, got %s", l.EffectiveRate())
	}
}

func TestLoanCloneDoesNotAlias(t *testing.T) {
	next := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	l := &Loan{NextPaymentDate: &next}
	c := l.Clone()
	*c.NextPaymentDate = next.AddDate(0, 1, 0)
	if !l.NextPaymentDate.Equal(next) {
		t.Fatalf("clone mutated the original next payment date")
	}
}

func TestAddMonths(t *testing.T) {
	cases := []struct {
		in   time.Time
		n    int
		want time.Time
	}{
		{time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC), 1, time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2025, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), 1, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 11, 30, 0, 0, 0, 0, time.UTC), 3, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC)},
		{time.Date(2025, 12, 10, 0, 0, 0, 0, time.UTC), 1, time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
	}
	for i, tc := range cases {
		if got := AddMonths(tc.in, tc.n); !got.Equal(tc.want) {
			t.Fatalf("case %d: expected %s, got %s", i, tc.want, got)
		}
	}
}

func TestCheckLoanUpdate(t *testing.T) {
	base := &Loan{
		CurrentBalance:    decimal.NewFromInt(1000),
		TotalPaid:         decimal.NewFromInt(200),
		TotalInterestPaid: decimal.NewFromInt(20),
		Status:            LoanActive,
	}
	tests := []struct {
		name   string
		mutate func(l *Loan)
		ok     bool
	}{
		{"payment", func(l *Loan) {
			l.CurrentBalance = decimal.NewFromInt(900)
			l.TotalPaid = decimal.NewFromInt(310)
		}, true},
		{"payoff", func(l *Loan) {
			l.CurrentBalance = decimal.Zero
			l.Status = LoanPaidOff
		}, true},
		{"balance grows", func(l *Loan) { l.CurrentBalance = decimal.NewFromInt(1001) }, false},
		{"negative balance", func(l *Loan) { l.CurrentBalance = decimal.NewFromInt(-1) }, false},
		{"totals shrink", func(l *Loan) { l.TotalPaid = decimal.NewFromInt(100) }, false},
		{"zero balance still active", func(l *Loan) { l.CurrentBalance = decimal.Zero }, false},
		{"paid off with balance", func(l *Loan) { l.Status = LoanPaidOff }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := base.Clone()
			tt.mutate(next)
			err := CheckLoanUpdate(base, next)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckLoanUpdate() error = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}
