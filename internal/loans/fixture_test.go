package loans_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
	"loanledger/internal/loans"
	"loanledger/internal/runlock"
	"loanledger/internal/storage/memory"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	now    time.Time
	store  *memory.Store
	ledger *memory.Ledger
	events *recorder
	svc    *loans.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:    time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC),
		store:  memory.NewStore(),
		ledger: memory.NewLedger(),
		events: &recorder{},
	}
	f.svc = loans.NewService(f.store, f.ledger, f.ledger, f.events, loans.Config{CallTimeout: time.Second}, f.clock)
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func (f *fixture) today() time.Time { return core.StartOfDay(f.now) }

// createLoan opens a funded account and a new loan whose first installment is due
// today, with its schedule generated.
func (f *fixture) createLoan(t *testing.T, user, principal, rate string, term int, funds string) *core.Loan {
	t.Helper()
	account := "acc-" + user
	f.ledger.OpenAccount(account, user, dec(funds))
	first := f.today()
	loan, err := f.svc.CreateLoan(context.Background(), loans.CreateLoanParams{
		UserID:           user,
		AccountID:        account,
		Name:             "loan of " + user,
		Principal:        dec(principal),
		AnnualRate:       dec(rate),
		TermMonths:       term,
		StartDate:        f.now,
		NextPaymentDate:  &first,
		GenerateSchedule: true,
	})
	if err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}
	return loan
}

func (f *fixture) executor(repo loans.LoanRepository, ledger loans.LedgerGateway) *loans.Executor {
	if repo == nil {
		repo = f.store
	}
	if ledger == nil {
		ledger = f.ledger
	}
	return loans.NewExecutor(repo, ledger, f.ledger, f.events, runlock.NewLocal(),
		loans.ExecutorConfig{Workers: 4, CallTimeout: time.Second}, f.clock)
}

func (f *fixture) loan(t *testing.T, l *core.Loan) *core.Loan {
	t.Helper()
	got, err := f.store.GetLoan(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("GetLoan: %v", err)
	}
	return got
}

func (f *fixture) payments(t *testing.T, l *core.Loan, status core.PaymentStatus) []*core.LoanPayment {
	t.Helper()
	all, err := f.store.ListPayments(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("ListPayments: %v", err)
	}
	var out []*core.LoanPayment
	for _, p := range all {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out
}

func (f *fixture) balance(t *testing.T, account string) decimal.Decimal {
	t.Helper()
	b, err := f.ledger.GetAccountBalance(context.Background(), account)
	if err != nil {
		t.Fatalf("GetAccountBalance: %v", err)
	}
	return b
}

type recorder struct {
	mu     sync.Mutex
	events []core.PaymentEvent
}

func (r *recorder) PublishPaymentEvent(_ context.Context, ev core.PaymentEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

// flakyLedger fails balance reads for one account and optionally every debit.
type flakyLedger struct {
	loans.LedgerGateway
	failBalanceFor string
	debitErr       error
}

func (l *flakyLedger) GetAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	if accountID == l.failBalanceFor {
		return decimal.Zero, errors.New("ledger unavailable")
	}
	return l.LedgerGateway.GetAccountBalance(ctx, accountID)
}

func (l *flakyLedger) PostDebit(ctx context.Context, e loans.LedgerEntry) (string, error) {
	if l.debitErr != nil {
		return "", l.debitErr
	}
	return l.LedgerGateway.PostDebit(ctx, e)
}

// brokenSettleRepo fails every settlement and, when transitionErr is set, every
// status transition.
type brokenSettleRepo struct {
	loans.LoanRepository
	err           error
	transitionErr error
}

func (r *brokenSettleRepo) SettlePayment(context.Context, loans.Settlement) (*core.Loan, error) {
	return nil, r.err
}

func (r *brokenSettleRepo) TransitionPayment(ctx context.Context, id uuid.UUID, to core.PaymentStatus, reason string) (*core.LoanPayment, error) {
	if r.transitionErr != nil {
		return nil, r.transitionErr
	}
	return r.LoanRepository.TransitionPayment(ctx, id, to, reason)
}

// racingRepo lets another run execute the same payment just before its first
// settlement reaches the store.
type racingRepo struct {
	loans.LoanRepository
	once sync.Once
	race func()
}

func (r *racingRepo) SettlePayment(ctx context.Context, st loans.Settlement) (*core.Loan, error) {
	r.once.Do(r.race)
	return r.LoanRepository.SettlePayment(ctx, st)
}
