package loans_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
	"loanledger/internal/loans"
)

func TestCreateLoan_Validation(t *testing.T) {
	f := newFixture(t)
	valid := loans.CreateLoanParams{
		UserID:     "alice",
		AccountID:  "acc",
		Name:       "mortgage",
		Principal:  dec("100000"),
		AnnualRate: dec("4.5"),
		TermMonths: 240,
		StartDate:  f.now,
	}
	balance := dec("200000")
	tests := []struct {
		name   string
		mutate func(p *loans.CreateLoanParams)
	}{
		{"missing user", func(p *loans.CreateLoanParams) { p.UserID = "" }},
		{"zero principal", func(p *loans.CreateLoanParams) { p.Principal = decimal.Zero }},
		{"negative rate", func(p *loans.CreateLoanParams) { p.AnnualRate = dec("-1") }},
		{"zero term", func(p *loans.CreateLoanParams) { p.TermMonths = 0 }},
		{"missing start", func(p *loans.CreateLoanParams) { p.StartDate = time.Time{} }},
		{"balance above principal", func(p *loans.CreateLoanParams) { p.CurrentBalance = &balance }},
		{"remaining above term", func(p *loans.CreateLoanParams) { p.RemainingTermMonths = 241 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			if _, err := f.svc.CreateLoan(context.Background(), p); !errors.Is(err, core.ErrInvalidArgument) {
				t.Fatalf("expected ErrInvalidArgument, got %v", err)
			}
		})
	}

	loan, err := f.svc.CreateLoan(context.Background(), valid)
	if err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	if loan.RemainingTermMonths != 240 || loan.Status != core.LoanActive || loan.Version != 1 {
		t.Fatalf("unexpected new loan: %+v", loan)
	}
	wantNext := core.AddMonths(core.StartOfDay(f.now), 1)
	if loan.NextPaymentDate == nil || !loan.NextPaymentDate.Equal(wantNext) {
		t.Fatalf("next payment = %v, want %v", loan.NextPaymentDate, wantNext)
	}
}

func TestCreateLoan_ImportsExistingLoan(t *testing.T) {
	f := newFixture(t)
	current := dec("7450.25")
	loan, err := f.svc.CreateLoan(context.Background(), loans.CreateLoanParams{
		UserID:            "alice",
		AccountID:         "acc",
		Name:              "car",
		Principal:         dec("12000"),
		AnnualRate:        dec("6"),
		TermMonths:        36,
		StartDate:         time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC),
		CurrentBalance:    &current,
		TotalPaid:         dec("5100"),
		TotalInterestPaid: dec("550.25"),
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	if !loan.CurrentBalance.Equal(current) || !loan.TotalPaid.Equal(dec("5100")) {
		t.Fatalf("imported history lost: %+v", loan)
	}
	// Jan 2024 to Mar 2025 is 14 elapsed months.
	if loan.RemainingTermMonths != 22 {
		t.Fatalf("remaining term = %d, want 22", loan.RemainingTermMonths)
	}
	want := time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
	if loan.NextPaymentDate == nil || !loan.NextPaymentDate.Equal(want) {
		t.Fatalf("next payment = %v, want %v", loan.NextPaymentDate, want)
	}
}

func TestCreateScheduledPayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "120000", "10", 12, "0")

	scheduled := f.payments(t, loan, core.PaymentScheduled)
	if len(scheduled) != 12 {
		t.Fatalf("expected 12 scheduled payments, got %d", len(scheduled))
	}
	for i, p := range scheduled {
		want := core.AddMonths(f.today(), i)
		if !p.ScheduledDate.Equal(want) {
			t.Fatalf("row %d due %v, want %v", i, p.ScheduledDate, want)
		}
		if !p.Amount.Equal(dec("10549.91")) || !p.Principal.IsZero() || !p.Interest.IsZero() || p.LedgerEntryID != "" {
			t.Fatalf("row %d: unexpected amounts %+v", i, p)
		}
	}

	again, err := f.svc.CreateScheduledPayments(ctx, loan.ID)
	if err != nil {
		t.Fatalf("regenerate: %v", err)
	}
	if !again[0].Amount.Equal(scheduled[0].Amount) {
		t.Fatalf("regenerated EMI %s differs from %s", again[0].Amount, scheduled[0].Amount)
	}
	if n := len(f.payments(t, loan, core.PaymentScheduled)); n != 12 {
		t.Fatalf("regeneration must replace the schedule, %d scheduled", n)
	}
	if n := len(f.payments(t, loan, core.PaymentCancelled)); n != 12 {
		t.Fatalf("expected the old rows cancelled, got %d", n)
	}

	if _, err := f.svc.UpdateLoanStatus(ctx, loan.ID, "alice", core.LoanRefinanced); err != nil {
		t.Fatalf("UpdateLoanStatus: %v", err)
	}
	if _, err := f.svc.CreateScheduledPayments(ctx, loan.ID); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for inactive loan, got %v", err)
	}
	if _, err := f.svc.CreateScheduledPayments(ctx, uuid.New()); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCalculatePrePaymentScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "50000", "12", 24, "0")

	s, err := f.svc.CalculatePrePaymentScenario(ctx, loan.ID, "alice", dec("20000"))
	if err != nil {
		t.Fatalf("CalculatePrePaymentScenario: %v", err)
	}
	if !s.NewBalance.Equal(dec("30000")) || s.NewTermMonths >= 24 || !s.InterestSavings.IsPositive() {
		t.Fatalf("unexpected scenario: %+v", s)
	}

	full, err := f.svc.CalculatePrePaymentScenario(ctx, loan.ID, "alice", dec("80000"))
	if err != nil || !full.FullPayoff || full.TermReduction != 24 {
		t.Fatalf("expected full payoff scenario, got %+v err=%v", full, err)
	}

	if _, err := f.svc.CalculatePrePaymentScenario(ctx, loan.ID, "alice", dec("2000.005")); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for a sub-cent amount, got %v", err)
	}
	if _, err := f.svc.CalculatePrePaymentScenario(ctx, loan.ID, "bob", dec("1")); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := f.loan(t, loan); !got.CurrentBalance.Equal(dec("50000")) {
		t.Fatalf("projection must not change the loan")
	}
}

func TestCancelScheduledPayment_AdvancesNextDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "300", "0", 3, "0")
	rows := f.payments(t, loan, core.PaymentScheduled)

	cancelled, err := f.svc.CancelScheduledPayment(ctx, rows[0].ID, "")
	if err != nil {
		t.Fatalf("CancelScheduledPayment: %v", err)
	}
	if cancelled.Status != core.PaymentCancelled || cancelled.DefaultReason == "" {
		t.Fatalf("unexpected cancelled payment: %+v", cancelled)
	}
	if next := f.loan(t, loan).NextPaymentDate; next == nil || !next.Equal(*rows[1].ScheduledDate) {
		t.Fatalf("next payment = %v, want %v", next, rows[1].ScheduledDate)
	}

	if _, err := f.svc.CancelScheduledPayment(ctx, rows[0].ID, "again"); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("cancelling twice must fail with ErrInvalidState, got %v", err)
	}

	for _, p := range rows[1:] {
		if _, err := f.svc.CancelScheduledPayment(ctx, p.ID, "no longer needed"); err != nil {
			t.Fatalf("cancel %s: %v", p.ID, err)
		}
	}
	if next := f.loan(t, loan).NextPaymentDate; next != nil {
		t.Fatalf("next payment must be cleared, got %v", next)
	}
	if f.events.count(core.EventPaymentCancelled) != 3 {
		t.Fatalf("expected 3 cancellation events")
	}
}

func TestGetOverduePayments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.createLoan(t, "alice", "300", "0", 3, "0")
	f.createLoan(t, "bob", "300", "0", 3, "0")

	f.now = core.AddMonths(f.now, 1)
	overdue, err := f.svc.GetOverduePayments(ctx, "alice")
	if err != nil {
		t.Fatalf("GetOverduePayments: %v", err)
	}
	if len(overdue) != 2 {
		t.Fatalf("expected 2 overdue payments for alice, got %d", len(overdue))
	}
	for _, p := range overdue {
		if p.LoanID != a.ID {
			t.Fatalf("overdue list leaked another user's payment")
		}
	}
	if !overdue[0].ScheduledDate.Before(*overdue[1].ScheduledDate) {
		t.Fatalf("overdue payments must be oldest first")
	}
	if n := len(f.payments(t, a, core.PaymentScheduled)); n != 3 {
		t.Fatalf("the overdue query must not change state")
	}
}

func TestOverdueMonitorReconcile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "300", "0", 3, "0")
	monitor := loans.NewOverdueMonitor(f.store, f.events, f.clock)

	if n, err := monitor.Reconcile(ctx, 0); err != nil || n != 0 {
		t.Fatalf("zero grace must disable reconciliation: n=%d err=%v", n, err)
	}

	f.now = core.AddMonths(f.now, 2)
	n, err := monitor.Reconcile(ctx, 40*24*time.Hour)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	// Only the first installment is more than forty days late.
	if n != 1 {
		t.Fatalf("defaulted %d payments, want 1", n)
	}
	defaulted := f.payments(t, loan, core.PaymentDefaulted)
	if len(defaulted) != 1 || defaulted[0].DefaultReason != loans.ReasonMissedWindow {
		t.Fatalf("unexpected defaulted payments: %+v", defaulted)
	}
}

func TestRecalculateRemainingTerms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	untouched, err := f.svc.CreateLoan(ctx, loans.CreateLoanParams{
		UserID: "alice", AccountID: "acc", Name: "a",
		Principal: dec("1000"), AnnualRate: dec("5"), TermMonths: 24,
		StartDate: start, RemainingTermMonths: 24,
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	advanced, err := f.svc.CreateLoan(ctx, loans.CreateLoanParams{
		UserID: "alice", AccountID: "acc", Name: "b",
		Principal: dec("1000"), AnnualRate: dec("5"), TermMonths: 24,
		StartDate: start, RemainingTermMonths: 20,
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	n, err := f.svc.RecalculateRemainingTerms(ctx, "alice")
	if err != nil || n != 1 {
		t.Fatalf("RecalculateRemainingTerms = %d, %v; want 1", n, err)
	}
	if got := f.loan(t, untouched).RemainingTermMonths; got != 12 {
		t.Fatalf("recalculated term = %d, want 12", got)
	}
	if got := f.loan(t, advanced).RemainingTermMonths; got != 20 {
		t.Fatalf("advanced term must be kept, got %d", got)
	}

	n, _ = f.svc.RecalculateRemainingTerms(ctx, "alice")
	if n != 0 {
		t.Fatalf("second recalculation must be a no-op, updated %d", n)
	}
}

func TestUpdateLoanStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "300", "0", 3, "0")

	if _, err := f.svc.UpdateLoanStatus(ctx, loan.ID, "alice", core.LoanPaidOff); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("PAID_OFF must not be set directly, got %v", err)
	}
	if _, err := f.svc.UpdateLoanStatus(ctx, loan.ID, "alice", "BOGUS"); !errors.Is(err, core.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	paused, err := f.svc.UpdateLoanStatus(ctx, loan.ID, "alice", core.LoanPaused)
	if err != nil || paused.Status != core.LoanPaused {
		t.Fatalf("pause failed: %v", err)
	}
	resumed, err := f.svc.UpdateLoanStatus(ctx, loan.ID, "alice", core.LoanActive)
	if err != nil || resumed.Status != core.LoanActive {
		t.Fatalf("resume failed: %v", err)
	}
}

func TestProjectSchedule(t *testing.T) {
	f := newFixture(t)
	loan := f.createLoan(t, "alice", "12000", "0", 12, "0")
	rows, err := f.svc.ProjectSchedule(context.Background(), loan.ID, "alice")
	if err != nil {
		t.Fatalf("ProjectSchedule: %v", err)
	}
	if len(rows) != 12 || !rows[11].RemainingBalance.IsZero() || !rows[0].DueDate.Equal(f.today()) {
		t.Fatalf("unexpected projection: %d rows", len(rows))
	}
}
