package loans_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"loanledger/internal/core"
	"loanledger/internal/loans"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		amount, balance, emi string
		flag                 bool
		wantPre              bool
		wantType             core.PrePaymentType
	}{
		{"1000", "1000", "200", false, true, core.PrePaymentFull},
		{"150", "150", "200", false, false, core.PrePaymentFull},
		{"500", "1000", "200", false, true, core.PrePaymentPartial},
		{"200", "1000", "200", false, false, core.PrePaymentEMIOnly},
		{"100", "1000", "200", true, true, core.PrePaymentEMIOnly},
	}
	for _, tt := range tests {
		pre, kind := loans.Classify(dec(tt.amount), dec(tt.balance), dec(tt.emi), tt.flag)
		if pre != tt.wantPre || kind != tt.wantType {
			t.Fatalf("Classify(%s, %s, %s, %v) = %v %s, want %v %s",
				tt.amount, tt.balance, tt.emi, tt.flag, pre, kind, tt.wantPre, tt.wantType)
		}
	}
}

func TestMakePayment_PartialPrepaymentShortensTerm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "50000", "12", 24, "60000")

	res, err := f.svc.MakePayment(ctx, loans.PaymentRequest{
		LoanID: loan.ID,
		UserID: "alice",
		Amount: dec("20000"),
	})
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}

	p := res.Payment
	if p.Status != core.PaymentCompleted || p.LedgerEntryID == "" || p.IsScheduled {
		t.Fatalf("prepayment must be an immediately completed, linked payment: %+v", p)
	}
	if !p.IsPrePayment || p.PrePaymentType != core.PrePaymentPartial {
		t.Fatalf("expected PARTIAL prepayment, got %v %s", p.IsPrePayment, p.PrePaymentType)
	}
	if !p.Interest.Equal(dec("500")) || !p.Principal.Equal(dec("19500")) {
		t.Fatalf("split = %s principal / %s interest", p.Principal, p.Interest)
	}
	if p.TermReduction != 10 || !p.InterestSavings.Equal(dec("23536.70")) {
		t.Fatalf("savings = %s over %d months", p.InterestSavings, p.TermReduction)
	}

	got := f.loan(t, loan)
	if !got.CurrentBalance.Equal(dec("30500")) || got.RemainingTermMonths != 14 {
		t.Fatalf("loan after prepayment: balance=%s term=%d", got.CurrentBalance, got.RemainingTermMonths)
	}
	if !got.TotalPrepaid.Equal(dec("20000")) || !got.TotalPaid.Equal(dec("20000")) || !got.TotalInterestPaid.Equal(dec("500")) {
		t.Fatalf("unexpected totals: %+v", got)
	}
	if n := len(f.payments(t, loan, core.PaymentScheduled)); n != 14 {
		t.Fatalf("expected schedule trimmed to 14 rows, got %d", n)
	}
	for _, c := range f.payments(t, loan, core.PaymentCancelled) {
		if c.DefaultReason != loans.ReasonPrepaid {
			t.Fatalf("unexpected cancel reason %q", c.DefaultReason)
		}
	}
	if !f.balance(t, "acc-alice").Equal(dec("40000")) {
		t.Fatalf("account balance = %s, want 40000", f.balance(t, "acc-alice"))
	}
	if f.events.count(core.EventPrepaymentCompleted) != 1 {
		t.Fatalf("expected a prepayment event")
	}
}

func TestMakePayment_FullPayoff(t *testing.T) {
	f := newFixture(t)
	loan := f.createLoan(t, "alice", "10000", "8", 12, "20000")

	res, err := f.svc.MakePayment(context.Background(), loans.PaymentRequest{
		LoanID: loan.ID,
		UserID: "alice",
		Amount: dec("10000"),
	})
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}
	if res.Payment.PrePaymentType != core.PrePaymentFull || !res.Payment.Interest.IsZero() {
		t.Fatalf("expected FULL payment applied entirely to principal, got %+v", res.Payment)
	}
	if !res.Scenario.FullPayoff || res.Scenario.TermReduction != 12 {
		t.Fatalf("expected full payoff scenario, got %+v", res.Scenario)
	}
	got := f.loan(t, loan)
	if got.Status != core.LoanPaidOff || !got.CurrentBalance.IsZero() || got.NextPaymentDate != nil {
		t.Fatalf("expected paid off loan, got %+v", got)
	}
	if n := len(f.payments(t, loan, core.PaymentScheduled)); n != 0 {
		t.Fatalf("expected every scheduled payment cancelled, %d left", n)
	}

	_, err = f.svc.MakePayment(context.Background(), loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec("1")})
	if !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("paying a paid off loan must fail with ErrInvalidState, got %v", err)
	}
}

func TestMakePayment_RegularInstallment(t *testing.T) {
	f := newFixture(t)
	loan := f.createLoan(t, "alice", "50000", "12", 24, "60000")

	res, err := f.svc.MakePayment(context.Background(), loans.PaymentRequest{
		LoanID: loan.ID,
		UserID: "alice",
		Amount: dec("2353.67"),
	})
	if err != nil {
		t.Fatalf("MakePayment: %v", err)
	}
	if res.Payment.IsPrePayment || res.Payment.PrePaymentType != core.PrePaymentNone {
		t.Fatalf("an EMI-sized payment is not a prepayment: %+v", res.Payment)
	}
	got := f.loan(t, loan)
	if got.RemainingTermMonths != 23 || !got.TotalPrepaid.IsZero() {
		t.Fatalf("unexpected loan: term=%d prepaid=%s", got.RemainingTermMonths, got.TotalPrepaid)
	}
}

func TestMakePayment_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "5000", "5", 12, "100")

	tests := []struct {
		name string
		req  loans.PaymentRequest
		want error
	}{
		{"zero amount", loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: decimal.Zero}, core.ErrInvalidArgument},
		{"sub-cent amount", loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec("20.005")}, core.ErrInvalidArgument},
		{"above balance", loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec("5000.01")}, core.ErrInvalidArgument},
		{"someone else's loan", loans.PaymentRequest{LoanID: loan.ID, UserID: "mallory", Amount: dec("10")}, core.ErrNotFound},
		{"insufficient funds", loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec("500")}, core.ErrInsufficientFunds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.svc.MakePayment(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
	if len(f.ledger.Entries()) != 0 {
		t.Fatalf("rejected payments must not touch the ledger")
	}

	if _, err := f.svc.UpdateLoanStatus(ctx, loan.ID, "alice", core.LoanPaused); err != nil {
		t.Fatalf("UpdateLoanStatus: %v", err)
	}
	if _, err := f.svc.MakePayment(ctx, loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec("10")}); !errors.Is(err, core.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for paused loan, got %v", err)
	}
}

func TestMakePayment_SettleFailureReversesDebit(t *testing.T) {
	f := newFixture(t)
	loan := f.createLoan(t, "alice", "5000", "5", 12, "1000")
	repo := &brokenSettleRepo{LoanRepository: f.store, err: errors.New("constraint failed")}
	pp := loans.NewPrepaymentProcessor(repo, f.ledger, f.ledger, nil, 0, f.clock)

	_, err := pp.MakePayment(context.Background(), loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec("700")})
	if !errors.Is(err, core.ErrInfrastructure) {
		t.Fatalf("expected ErrInfrastructure, got %v", err)
	}
	if !f.balance(t, "acc-alice").Equal(dec("1000")) {
		t.Fatalf("debit not reversed, balance=%s", f.balance(t, "acc-alice"))
	}
	if !f.loan(t, loan).CurrentBalance.Equal(dec("5000")) {
		t.Fatalf("loan must not change")
	}
}

func TestMakePayment_Monotonicity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	loan := f.createLoan(t, "alice", "3000", "9.5", 10, "10000")

	prev := f.loan(t, loan)
	for _, amount := range []string{"250", "1000", "10.01", "400"} {
		if _, err := f.svc.MakePayment(ctx, loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: dec(amount)}); err != nil {
			t.Fatalf("MakePayment(%s): %v", amount, err)
		}
		cur := f.loan(t, loan)
		if cur.TotalPaid.LessThan(prev.TotalPaid) || cur.CurrentBalance.GreaterThan(prev.CurrentBalance) {
			t.Fatalf("totals went backwards: prev=%+v cur=%+v", prev, cur)
		}
		prev = cur
	}

	if _, err := f.svc.MakePayment(ctx, loans.PaymentRequest{LoanID: loan.ID, UserID: "alice", Amount: prev.CurrentBalance}); err != nil {
		t.Fatalf("final payment: %v", err)
	}
	final := f.loan(t, loan)
	if !final.CurrentBalance.IsZero() || final.Status != core.LoanPaidOff {
		t.Fatalf("zero balance must mean PAID_OFF, got %s %s", final.CurrentBalance, final.Status)
	}
}
