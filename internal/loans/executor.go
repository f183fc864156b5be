package loans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"loanledger/internal/amortization"
	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// RunReport aggregates the outcome of one payment run.
type RunReport struct {
	Processed int `json:"processed"`
	Completed int `json:"completed"`
	Defaulted int `json:"defaulted"`
	// Deferred payments stay SCHEDULED for a later run.
	Deferred int `json:"deferred"`
	// Skipped payments belong to loans that are not ACTIVE or were settled by
	// another run.
	Skipped int `json:"skipped"`
}

type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeDefaulted
	outcomeDeferred
	outcomeSkipped
)

func (r *RunReport) add(o outcome) {
	r.Processed++
	switch o {
	case outcomeCompleted:
		r.Completed++
	case outcomeDefaulted:
		r.Defaulted++
	case outcomeDeferred:
		r.Deferred++
	case outcomeSkipped:
		r.Skipped++
	}
}

// ExecutorConfig tunes a payment run.
type ExecutorConfig struct {
	// Workers caps how many loans are processed concurrently.
	Workers int
	// CallTimeout bounds every ledger and repository call.
	CallTimeout time.Duration
}

// Executor is the daily batch that settles due SCHEDULED payments.
type Executor struct {
	repo       LoanRepository
	ledger     LedgerGateway
	categories CategoryResolver
	events     EventPublisher
	lock       RunLock
	cfg        ExecutorConfig
	now        Clock
}

// NewExecutor creates a payment executor. events may be nil.
func NewExecutor(repo LoanRepository, ledger LedgerGateway, categories CategoryResolver, events EventPublisher, lock RunLock, cfg ExecutorConfig, now Clock) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{
		repo:       repo,
		ledger:     ledger,
		categories: categories,
		events:     events,
		lock:       lock,
		cfg:        cfg,
		now:        now,
	}
}

// RunScheduledPayments executes every SCHEDULED payment due today.
//
// Loans are processed concurrently, payments of one loan sequentially in date order.
// A failing payment never aborts the run; its outcome is counted in the report. The
// returned error is reserved for failures of the run itself: the run lock or the
// initial snapshot.
func (e *Executor) RunScheduledPayments(ctx context.Context) (RunReport, error) {
	var report RunReport

	release, err := e.lock.Acquire(ctx)
	if err != nil {
		return report, err
	}
	defer release()

	today := core.StartOfDay(e.now())
	tomorrow := today.AddDate(0, 0, 1)

	snapCtx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	due, err := e.repo.FindDueBetween(snapCtx, today, tomorrow)
	cancel()
	if err != nil {
		return report, fmt.Errorf("load due payments: %w", core.Infra(err))
	}

	slog.InfoContext(ctx, "Starting scheduled payment run",
		applog.FieldComponent, applog.ComponentExecutor,
		"date", today.Format("2006-01-02"),
		"due", len(due))

	groups := groupByLoan(due)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)
	for _, payments := range groups {
		payments := payments
		g.Go(func() error {
			for _, p := range payments {
				o := e.executePayment(gctx, p)
				mu.Lock()
				report.add(o)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slog.InfoContext(ctx, "Scheduled payment run complete",
		applog.FieldComponent, applog.ComponentExecutor,
		"processed", report.Processed,
		"completed", report.Completed,
		"defaulted", report.Defaulted,
		"deferred", report.Deferred,
		"skipped", report.Skipped)

	return report, nil
}

// groupByLoan keeps the snapshot's loan order and sorts each loan's payments by date.
func groupByLoan(due []*core.LoanPayment) [][]*core.LoanPayment {
	index := make(map[uuid.UUID]int)
	var groups [][]*core.LoanPayment
	for _, p := range due {
		i, ok := index[p.LoanID]
		if !ok {
			i = len(groups)
			index[p.LoanID] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], p)
	}
	for _, grp := range groups {
		sort.SliceStable(grp, func(a, b int) bool {
			return grp[a].DueDate().Before(grp[b].DueDate())
		})
	}
	return groups
}

func (e *Executor) executePayment(ctx context.Context, p *core.LoanPayment) outcome {
	logger := slog.With(
		applog.FieldComponent, applog.ComponentExecutor,
		applog.FieldPaymentID, p.ID,
		applog.FieldLoanID, p.LoanID)

	loan, err := e.getLoan(ctx, p.LoanID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to load loan, payment left scheduled", applog.FieldError, err)
		return outcomeDeferred
	}
	if !loan.IsActive() {
		logger.InfoContext(ctx, "Skipping payment for inactive loan", applog.FieldStatus, loan.Status)
		return outcomeSkipped
	}

	reversed, err := e.debitReversed(ctx, p.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to look up earlier reversal, payment left scheduled", applog.FieldError, err)
		return outcomeDeferred
	}
	if reversed {
		logger.WarnContext(ctx, "Debit of this payment was already reversed, not collecting again")
		return e.defaultPayment(ctx, p, loan, ReasonDebitReversed)
	}

	amount := e.amountDue(loan, p)

	balance, err := e.accountBalance(ctx, loan.AccountID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to read account balance, payment left scheduled", applog.FieldError, err)
		return outcomeDeferred
	}
	if balance.LessThan(amount) {
		logger.WarnContext(ctx, "Insufficient funds for scheduled payment",
			applog.FieldBalance, balance.StringFixed(2),
			applog.FieldAmount, amount.StringFixed(2))
		return e.defaultPayment(ctx, p, loan, ReasonInsufficientFunds)
	}

	categoryID, err := e.category(ctx, loan.UserID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to resolve payment category, payment left scheduled", applog.FieldError, err)
		return outcomeDeferred
	}

	entryID, err := e.debit(ctx, LedgerEntry{
		IdempotencyKey: p.ID.String(),
		UserID:         loan.UserID,
		AccountID:      loan.AccountID,
		CategoryID:     categoryID,
		Amount:         amount,
		Memo:           fmt.Sprintf("Loan payment: %s", loan.Name),
		Date:           e.now(),
	})
	if err != nil {
		logger.ErrorContext(ctx, "Ledger debit failed", applog.FieldError, err)
		return e.defaultPayment(ctx, p, loan, err.Error())
	}

	settled, err := e.settle(ctx, p, loan, amount, entryID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to settle payment", applog.FieldError, err)
		return e.abandonSettlement(ctx, logger, p, loan, amount, categoryID, entryID, err)
	}

	logger.InfoContext(ctx, "Scheduled payment completed",
		applog.FieldAmount, amount.StringFixed(2),
		"ledger_entry_id", entryID,
		applog.FieldBalance, settled.loan.CurrentBalance.StringFixed(2))
	publish(ctx, e.events, core.NewPaymentEvent(core.EventPaymentCompleted, settled.payment, settled.loan, e.now()))
	return outcomeCompleted
}

// amountDue is the installment clamped to what it takes to close the loan. The last
// remaining installment always settles the full balance plus interest.
func (e *Executor) amountDue(loan *core.Loan, p *core.LoanPayment) decimal.Decimal {
	r := amortization.MonthlyRate(loan.EffectiveRate())
	payoff := loan.CurrentBalance.Add(core.RoundCents(loan.CurrentBalance.Mul(r)))
	if loan.RemainingTermMonths <= 1 || p.Amount.GreaterThan(payoff) {
		return payoff
	}
	return p.Amount
}

type settledPayment struct {
	payment *core.LoanPayment
	loan    *core.Loan
}

// settle writes the COMPLETED payment and the loan update atomically. Version
// conflicts re-read the loan and recompute the split against the fresh balance.
func (e *Executor) settle(ctx context.Context, p *core.LoanPayment, loan *core.Loan, amount decimal.Decimal, entryID string) (settledPayment, error) {
	var out settledPayment
	current := loan
	first := true
	err := retryOnConflict(ctx, func() error {
		if !first {
			fresh, err := e.getLoan(ctx, p.LoanID)
			if err != nil {
				return err
			}
			current = fresh
		}
		first = false

		r := amortization.MonthlyRate(current.EffectiveRate())
		split := amortization.SplitPayment(current.CurrentBalance, r, amount, amount, false)

		paid := p.Clone()
		paid.Status = core.PaymentCompleted
		paid.LedgerEntryID = entryID
		paid.Amount = amount
		paid.Principal = split.Principal
		paid.Interest = split.Interest
		paid.PaymentDate = core.TimePtr(e.now())
		paid.UpdatedAt = e.now()

		cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()
		updated, err := e.repo.SettlePayment(cctx, Settlement{
			Payment:         paid,
			ExpectedVersion: current.Version,
			Mutate:          ApplyInstallment(paid),
			TrimSchedule:    true,
			TrimReason:      ReasonPaidOff,
			SyncNextDate:    true,
		})
		if err != nil {
			return core.Infra(err)
		}
		out = settledPayment{payment: paid, loan: updated}
		return nil
	})
	return out, err
}

// ApplyInstallment returns the loan mutation for a settled scheduled payment. The
// next payment date is left to the settlement, which knows the remaining schedule.
func ApplyInstallment(p *core.LoanPayment) LoanMutation {
	return func(l *core.Loan) error {
		if !l.IsActive() {
			return fmt.Errorf("%w: loan %s is %s", core.ErrInvalidState, l.ID, l.Status)
		}
		if p.Principal.GreaterThan(l.CurrentBalance) {
			return fmt.Errorf("%w: principal %s exceeds balance %s", core.ErrInvalidState, p.Principal, l.CurrentBalance)
		}
		l.CurrentBalance = l.CurrentBalance.Sub(p.Principal)
		l.TotalPaid = l.TotalPaid.Add(p.Amount)
		l.TotalInterestPaid = l.TotalInterestPaid.Add(p.Interest)
		if l.RemainingTermMonths > 0 {
			l.RemainingTermMonths--
		}
		l.LastPaymentDate = core.TimePtr(*p.PaymentDate)
		if l.CurrentBalance.IsZero() {
			l.Status = core.LoanPaidOff
			l.RemainingTermMonths = 0
			l.NextPaymentDate = nil
		}
		return nil
	}
}

// abandonSettlement undoes the debit of a payment whose settlement failed. A payment
// that another run already completed with the same debit keeps it. When the payment
// cannot be re-read, the debit stays for a later run to settle.
func (e *Executor) abandonSettlement(ctx context.Context, logger *slog.Logger, p *core.LoanPayment, loan *core.Loan, amount decimal.Decimal, categoryID, entryID string, cause error) outcome {
	current, err := e.getPayment(ctx, p.ID)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to re-read payment, debit kept for retry",
			"ledger_entry_id", entryID,
			applog.FieldError, err)
		return outcomeDeferred
	}
	if current.Status == core.PaymentCompleted && current.LedgerEntryID == entryID {
		logger.InfoContext(ctx, "Payment already settled by another run, keeping its debit",
			"ledger_entry_id", entryID)
		return outcomeSkipped
	}

	reason := cause.Error()
	if rerr := e.reverse(ctx, loan, p, amount, categoryID); rerr != nil {
		logger.ErrorContext(ctx, "Failed to reverse ledger debit", "ledger_entry_id", entryID, applog.FieldError, rerr)
		reason = fmt.Sprintf("%s; reversal of %s failed: %v", reason, entryID, rerr)
	}
	if current.Status != core.PaymentScheduled {
		return outcomeSkipped
	}
	return e.defaultPayment(ctx, p, loan, reason)
}

func (e *Executor) defaultPayment(ctx context.Context, p *core.LoanPayment, loan *core.Loan, reason string) outcome {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	updated, err := e.repo.TransitionPayment(cctx, p.ID, core.PaymentDefaulted, reason)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to mark payment defaulted",
			applog.FieldComponent, applog.ComponentExecutor,
			applog.FieldPaymentID, p.ID,
			"reason", reason,
			applog.FieldError, err)
		if errors.Is(err, core.ErrInvalidState) {
			// Someone else already moved it out of SCHEDULED.
			return outcomeSkipped
		}
		return outcomeDeferred
	}
	publish(ctx, e.events, core.NewPaymentEvent(core.EventPaymentDefaulted, updated, loan, e.now()))
	return outcomeDefaulted
}

func (e *Executor) getLoan(ctx context.Context, id uuid.UUID) (*core.Loan, error) {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	loan, err := e.repo.GetLoan(cctx, id)
	return loan, core.Infra(err)
}

func (e *Executor) getPayment(ctx context.Context, id uuid.UUID) (*core.LoanPayment, error) {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	p, err := e.repo.GetPayment(cctx, id)
	return p, core.Infra(err)
}

// debitReversed reports whether a compensating credit was already posted for the
// payment, which rules out collecting it again under the same debit key.
func (e *Executor) debitReversed(ctx context.Context, paymentID uuid.UUID) (bool, error) {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	_, err := e.ledger.FindEntry(cctx, reversalKey(paymentID))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	default:
		return false, core.Infra(err)
	}
}

func (e *Executor) accountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	b, err := e.ledger.GetAccountBalance(cctx, accountID)
	return b, core.Infra(err)
}

func (e *Executor) category(ctx context.Context, userID string) (string, error) {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	id, err := e.categories.GetOrCreateLoanPaymentCategory(cctx, userID)
	return id, core.Infra(err)
}

func (e *Executor) debit(ctx context.Context, entry LedgerEntry) (string, error) {
	cctx, cancel := withTimeout(ctx, e.cfg.CallTimeout)
	defer cancel()
	id, err := e.ledger.PostDebit(cctx, entry)
	return id, core.Infra(err)
}

func (e *Executor) reverse(ctx context.Context, loan *core.Loan, p *core.LoanPayment, amount decimal.Decimal, categoryID string) error {
	return reverseDebit(ctx, e.ledger, e.cfg.CallTimeout, LedgerEntry{
		IdempotencyKey: reversalKey(p.ID),
		UserID:         loan.UserID,
		AccountID:      loan.AccountID,
		CategoryID:     categoryID,
		Amount:         amount,
		Memo:           fmt.Sprintf("Reversal of loan payment: %s", loan.Name),
		Date:           e.now(),
	})
}

func reversalKey(paymentID uuid.UUID) string {
	return "reversal:" + paymentID.String()
}

// reverseDebit posts a compensating credit. The caller's context may already be done,
// so the credit runs on a detached context bounded by timeout.
func reverseDebit(ctx context.Context, ledger LedgerGateway, timeout time.Duration, entry LedgerEntry) error {
	cctx, cancel := withTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	_, err := ledger.PostCredit(cctx, entry)
	return core.Infra(err)
}
