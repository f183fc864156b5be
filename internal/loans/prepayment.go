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

// PaymentRequest is a user-initiated payment against a loan.
type PaymentRequest struct {
	LoanID       uuid.UUID
	UserID       string
	Amount       decimal.Decimal
	Date         time.Time
	IsPrePayment bool
}

// PaymentResult is the settled payment, the loan after it, and the projection that
// produced the new remaining term.
type PaymentResult struct {
	Payment  *core.LoanPayment
	Loan     *core.Loan
	Scenario amortization.Scenario
}

// PrepaymentProcessor applies ad hoc payments synchronously.
type PrepaymentProcessor struct {
	repo        LoanRepository
	ledger      LedgerGateway
	categories  CategoryResolver
	events      EventPublisher
	callTimeout time.Duration
	now         Clock
}

// NewPrepaymentProcessor creates a prepayment processor. events may be nil.
func NewPrepaymentProcessor(repo LoanRepository, ledger LedgerGateway, categories CategoryResolver, events EventPublisher, callTimeout time.Duration, now Clock) *PrepaymentProcessor {
	if now == nil {
		now = time.Now
	}
	return &PrepaymentProcessor{
		repo:        repo,
		ledger:      ledger,
		categories:  categories,
		events:      events,
		callTimeout: callTimeout,
		now:         now,
	}
}

// Classify returns whether a payment of amount counts as a prepayment and its type.
func Classify(amount, balance, emi decimal.Decimal, userFlag bool) (bool, core.PrePaymentType) {
	isPrePayment := userFlag || amount.GreaterThan(emi)
	switch {
	case amount.GreaterThanOrEqual(balance):
		return isPrePayment, core.PrePaymentFull
	case amount.GreaterThan(emi):
		return isPrePayment, core.PrePaymentPartial
	default:
		return isPrePayment, core.PrePaymentEMIOnly
	}
}

// MakePayment validates the request, debits the loan's account, records a COMPLETED
// payment and updates the loan in one repository unit. When that unit fails the
// debit is reversed and the error is returned.
func (pp *PrepaymentProcessor) MakePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	if !req.Amount.IsPositive() {
		return PaymentResult{}, fmt.Errorf("%w: amount must be positive", core.ErrInvalidArgument)
	}
	if err := core.CheckCents("amount", req.Amount); err != nil {
		return PaymentResult{}, err
	}
	if req.Date.IsZero() {
		req.Date = pp.now()
	}

	loan, err := pp.loadLoan(ctx, req)
	if err != nil {
		return PaymentResult{}, err
	}
	if !loan.IsActive() {
		return PaymentResult{}, fmt.Errorf("%w: loan %s is %s", core.ErrInvalidState, loan.ID, loan.Status)
	}
	if req.Amount.GreaterThan(loan.CurrentBalance) {
		return PaymentResult{}, fmt.Errorf("%w: amount %s exceeds balance %s",
			core.ErrInvalidArgument, req.Amount.StringFixed(2), loan.CurrentBalance.StringFixed(2))
	}

	available, err := pp.accountBalance(ctx, loan.AccountID)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("read account balance: %w", err)
	}
	if available.LessThan(req.Amount) {
		return PaymentResult{}, fmt.Errorf("%w: account balance %s is below %s",
			core.ErrInsufficientFunds, available.StringFixed(2), req.Amount.StringFixed(2))
	}

	categoryID, err := pp.category(ctx, loan.UserID)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("resolve payment category: %w", err)
	}

	paymentID := uuid.New()
	entry := LedgerEntry{
		IdempotencyKey: paymentID.String(),
		UserID:         loan.UserID,
		AccountID:      loan.AccountID,
		CategoryID:     categoryID,
		Amount:         req.Amount,
		Memo:           fmt.Sprintf("Loan payment: %s", loan.Name),
		Date:           req.Date,
	}
	entryID, err := pp.debit(ctx, entry)
	if err != nil {
		return PaymentResult{}, fmt.Errorf("post ledger debit: %w", err)
	}

	var result PaymentResult
	first := true
	err = retryOnConflict(ctx, func() error {
		if !first {
			fresh, err := pp.getLoan(ctx, loan.ID)
			if err != nil {
				return err
			}
			loan = fresh
		}
		first = false
		r, serr := pp.settle(ctx, loan, req, paymentID, entryID)
		result = r
		return serr
	})
	if err != nil {
		entry.IdempotencyKey = reversalKey(paymentID)
		entry.Memo = fmt.Sprintf("Reversal of loan payment: %s", loan.Name)
		if rerr := reverseDebit(ctx, pp.ledger, pp.callTimeout, entry); rerr != nil {
			slog.ErrorContext(ctx, "Failed to reverse ledger debit",
				applog.FieldPaymentID, paymentID,
				"ledger_entry_id", entryID,
				applog.FieldError, rerr)
			return PaymentResult{}, fmt.Errorf("settle payment: %w (reversal failed: %v)", err, rerr)
		}
		return PaymentResult{}, fmt.Errorf("settle payment: %w", err)
	}

	slog.InfoContext(ctx, "Loan payment applied",
		applog.FieldLoanID, loan.ID,
		applog.FieldPaymentID, paymentID,
		applog.FieldAmount, req.Amount.StringFixed(2),
		"type", result.Payment.PrePaymentType,
		"term_reduction", result.Payment.TermReduction,
		applog.FieldBalance, result.Loan.CurrentBalance.StringFixed(2))

	eventType := core.EventPaymentCompleted
	if result.Payment.IsPrePayment {
		eventType = core.EventPrepaymentCompleted
	}
	publish(ctx, pp.events, core.NewPaymentEvent(eventType, result.Payment, result.Loan, pp.now()))
	return result, nil
}

// settle computes the split and projection against loan and submits the settlement.
func (pp *PrepaymentProcessor) settle(ctx context.Context, loan *core.Loan, req PaymentRequest, paymentID uuid.UUID, entryID string) (PaymentResult, error) {
	if !loan.IsActive() {
		return PaymentResult{}, fmt.Errorf("%w: loan %s is %s", core.ErrInvalidState, loan.ID, loan.Status)
	}
	if req.Amount.GreaterThan(loan.CurrentBalance) {
		return PaymentResult{}, fmt.Errorf("%w: amount exceeds balance %s", core.ErrInvalidState, loan.CurrentBalance)
	}
	emi, err := installmentFor(loan)
	if err != nil {
		return PaymentResult{}, err
	}
	r := amortization.MonthlyRate(loan.EffectiveRate())

	isPrePayment, kind := Classify(req.Amount, loan.CurrentBalance, emi, req.IsPrePayment)
	split := amortization.Split{Principal: req.Amount, Interest: decimal.Zero}
	if kind != core.PrePaymentFull {
		split = amortization.SplitPayment(loan.CurrentBalance, r, emi, req.Amount, isPrePayment)
	}

	scenario, err := amortization.ProjectPrepayment(loan.CurrentBalance, r, emi, loan.RemainingTermMonths, split.Principal)
	if errors.Is(err, core.ErrDomain) {
		// The installment no longer covers interest: the term cannot shrink.
		scenario.NewTermMonths = loan.RemainingTermMonths
		scenario.TermReduction = 0
		scenario.InterestSavings = decimal.Zero
	} else if err != nil {
		return PaymentResult{}, err
	}

	now := pp.now()
	payment := &core.LoanPayment{
		ID:            paymentID,
		LoanID:        loan.ID,
		LedgerEntryID: entryID,
		Amount:        req.Amount,
		Principal:     split.Principal,
		Interest:      split.Interest,
		IsPrePayment:  isPrePayment,
		PaymentDate:   core.TimePtr(req.Date),
		Status:        core.PaymentCompleted,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if isPrePayment {
		payment.PrePaymentType = kind
		payment.InterestSavings = scenario.InterestSavings
		payment.TermReduction = scenario.TermReduction
	}

	cctx, cancel := withTimeout(ctx, pp.callTimeout)
	defer cancel()
	updated, err := pp.repo.SettlePayment(cctx, Settlement{
		Payment:         payment,
		Insert:          true,
		ExpectedVersion: loan.Version,
		Mutate:          ApplyPrepayment(payment, scenario.NewTermMonths),
		TrimSchedule:    true,
		TrimReason:      ReasonPrepaid,
	})
	if err != nil {
		return PaymentResult{}, core.Infra(err)
	}
	return PaymentResult{Payment: payment, Loan: updated, Scenario: scenario}, nil
}

// ApplyPrepayment returns the loan mutation for a settled ad hoc payment.
func ApplyPrepayment(p *core.LoanPayment, newTermMonths int) LoanMutation {
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
		if p.IsPrePayment {
			l.TotalPrepaid = l.TotalPrepaid.Add(p.Amount)
			l.TotalInterestSaved = l.TotalInterestSaved.Add(p.InterestSavings)
		}
		l.RemainingTermMonths = newTermMonths
		l.LastPaymentDate = core.TimePtr(*p.PaymentDate)
		if l.CurrentBalance.IsZero() {
			l.Status = core.LoanPaidOff
			l.RemainingTermMonths = 0
			l.NextPaymentDate = nil
		}
		return nil
	}
}

func (pp *PrepaymentProcessor) loadLoan(ctx context.Context, req PaymentRequest) (*core.Loan, error) {
	cctx, cancel := withTimeout(ctx, pp.callTimeout)
	defer cancel()
	loan, err := loadOwnedLoan(cctx, pp.repo, req.LoanID, req.UserID)
	return loan, core.Infra(err)
}

func (pp *PrepaymentProcessor) getLoan(ctx context.Context, id uuid.UUID) (*core.Loan, error) {
	cctx, cancel := withTimeout(ctx, pp.callTimeout)
	defer cancel()
	loan, err := pp.repo.GetLoan(cctx, id)
	return loan, core.Infra(err)
}

func (pp *PrepaymentProcessor) accountBalance(ctx context.Context, accountID string) (decimal.Decimal, error) {
	cctx, cancel := withTimeout(ctx, pp.callTimeout)
	defer cancel()
	b, err := pp.ledger.GetAccountBalance(cctx, accountID)
	return b, core.Infra(err)
}

func (pp *PrepaymentProcessor) category(ctx context.Context, userID string) (string, error) {
	cctx, cancel := withTimeout(ctx, pp.callTimeout)
	defer cancel()
	id, err := pp.categories.GetOrCreateLoanPaymentCategory(cctx, userID)
	return id, core.Infra(err)
}

func (pp *PrepaymentProcessor) debit(ctx context.Context, entry LedgerEntry) (string, error) {
	cctx, cancel := withTimeout(ctx, pp.callTimeout)
	defer cancel()
	id, err := pp.ledger.PostDebit(cctx, entry)
	return id, core.Infra(err)
}
