package loans

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/amortization"
	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// CreateLoanParams describes a new loan, or an existing one being imported with its
// accrued history (CurrentBalance, prior totals and a past StartDate).
type CreateLoanParams struct {
	UserID     string          `json:"user_id" validate:"required,max=64"`
	AccountID  string          `json:"account_id" validate:"required,max=64"`
	Name       string          `json:"name" validate:"required,max=120"`
	Principal  decimal.Decimal `json:"principal" validate:"gt=0"`
	AnnualRate decimal.Decimal `json:"annual_rate" validate:"gte=0,lte=100"`
	TermMonths int             `json:"term_months" validate:"required,gt=0,lte=600"`
	StartDate  time.Time       `json:"start_date"`

	CurrentBalance      *decimal.Decimal `json:"current_balance,omitempty"`
	RemainingTermMonths int              `json:"remaining_term_months,omitempty" validate:"gte=0"`
	NextPaymentDate     *time.Time       `json:"next_payment_date,omitempty"`
	TotalPaid           decimal.Decimal  `json:"total_paid" validate:"gte=0"`
	TotalInterestPaid   decimal.Decimal  `json:"total_interest_paid" validate:"gte=0"`

	GenerateSchedule bool `json:"generate_schedule"`
}

// Config carries the runtime knobs of the loan services.
type Config struct {
	CallTimeout time.Duration
	Workers     int
}

// Service exposes the user-facing loan operations.
type Service struct {
	repo       LoanRepository
	generator  *Generator
	prepayment *PrepaymentProcessor
	overdue    *OverdueMonitor
	events     EventPublisher
	validate   *validator.Validate
	now        Clock
}

// NewService wires the loan services over the given collaborators. events may be nil.
func NewService(repo LoanRepository, ledger LedgerGateway, categories CategoryResolver, events EventPublisher, cfg Config, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		repo:       repo,
		generator:  NewGenerator(repo, now),
		prepayment: NewPrepaymentProcessor(repo, ledger, categories, events, cfg.CallTimeout, now),
		overdue:    NewOverdueMonitor(repo, events, now),
		events:     events,
		validate:   NewValidator(),
		now:        now,
	}
}

// CreateLoan validates params and stores the loan, generating its schedule on request.
func (s *Service) CreateLoan(ctx context.Context, params CreateLoanParams) (*core.Loan, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, ValidationError(err)
	}
	if params.StartDate.IsZero() {
		return nil, fmt.Errorf("%w: StartDate is required", core.ErrInvalidArgument)
	}
	if params.RemainingTermMonths > params.TermMonths {
		return nil, fmt.Errorf("%w: remaining term exceeds original term", core.ErrInvalidArgument)
	}

	now := s.now()
	balance := params.Principal
	if params.CurrentBalance != nil {
		balance = *params.CurrentBalance
		if balance.IsNegative() || balance.GreaterThan(params.Principal) {
			return nil, fmt.Errorf("%w: current balance must be between 0 and the principal", core.ErrInvalidArgument)
		}
	}
	balance = core.RoundCents(balance)

	remaining := params.RemainingTermMonths
	if remaining == 0 {
		remaining = amortization.RecalculateRemainingTerm(params.TermMonths, params.StartDate, now)
	}

	loan := &core.Loan{
		ID:                  uuid.New(),
		UserID:              params.UserID,
		AccountID:           params.AccountID,
		Name:                params.Name,
		OriginalPrincipal:   core.RoundCents(params.Principal),
		OriginalRate:        params.AnnualRate,
		OriginalTermMonths:  params.TermMonths,
		StartDate:           core.StartOfDay(params.StartDate),
		CurrentBalance:      balance,
		RemainingTermMonths: remaining,
		Status:              core.LoanActive,
		TotalPaid:           params.TotalPaid,
		TotalInterestPaid:   params.TotalInterestPaid,
		Version:             1,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	switch {
	case balance.IsZero():
		loan.Status = core.LoanPaidOff
		loan.RemainingTermMonths = 0
	case remaining == 0:
		return nil, fmt.Errorf("%w: loan term has already elapsed with a balance outstanding", core.ErrInvalidArgument)
	case params.NextPaymentDate != nil:
		loan.NextPaymentDate = core.TimePtr(core.StartOfDay(*params.NextPaymentDate))
	default:
		loan.NextPaymentDate = core.TimePtr(firstDueAfter(loan.StartDate, now))
	}

	if err := s.repo.CreateLoan(ctx, loan); err != nil {
		return nil, fmt.Errorf("create loan: %w", core.Infra(err))
	}
	slog.InfoContext(ctx, "Loan created",
		applog.FieldLoanID, loan.ID,
		"user_id", loan.UserID,
		"principal", loan.OriginalPrincipal.StringFixed(2),
		applog.FieldBalance, loan.CurrentBalance.StringFixed(2),
		"remaining_term", loan.RemainingTermMonths)

	if params.GenerateSchedule && loan.IsActive() {
		if _, err := s.generator.Generate(ctx, loan.ID); err != nil {
			return nil, fmt.Errorf("generate schedule: %w", err)
		}
		return s.repo.GetLoan(ctx, loan.ID)
	}
	return loan, nil
}

// firstDueAfter is the first monthly anniversary of start that falls on or after
// today, and never start itself.
func firstDueAfter(start, now time.Time) time.Time {
	today := core.StartOfDay(now)
	due := core.AddMonths(start, 1)
	for n := 2; due.Before(today); n++ {
		due = core.AddMonths(start, n)
	}
	return due
}

// MakePayment applies a user payment to a loan.
func (s *Service) MakePayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	return s.prepayment.MakePayment(ctx, req)
}

// CalculateEMI returns the installment for the given terms.
func (s *Service) CalculateEMI(principal, annualRate decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	return amortization.ComputeEMI(principal, annualRate, termMonths)
}

// CalculatePrePaymentScenario projects a prepayment of amount without applying it.
// When the amount leaves a balance the EMI cannot amortize, the full payoff scenario
// is returned instead.
func (s *Service) CalculatePrePaymentScenario(ctx context.Context, loanID uuid.UUID, userID string, amount decimal.Decimal) (amortization.Scenario, error) {
	if !amount.IsPositive() {
		return amortization.Scenario{}, fmt.Errorf("%w: amount must be positive", core.ErrInvalidArgument)
	}
	if err := core.CheckCents("amount", amount); err != nil {
		return amortization.Scenario{}, err
	}
	loan, err := loadOwnedLoan(ctx, s.repo, loanID, userID)
	if err != nil {
		return amortization.Scenario{}, err
	}
	if !loan.IsActive() {
		return amortization.Scenario{}, fmt.Errorf("%w: loan %s is %s", core.ErrInvalidState, loan.ID, loan.Status)
	}
	emi, err := installmentFor(loan)
	if err != nil {
		return amortization.Scenario{}, err
	}
	r := amortization.MonthlyRate(loan.EffectiveRate())
	scenario, err := amortization.ProjectPrepayment(loan.CurrentBalance, r, emi, loan.RemainingTermMonths, amount)
	if errors.Is(err, core.ErrDomain) {
		return amortization.ProjectPrepayment(loan.CurrentBalance, r, emi, loan.RemainingTermMonths, loan.CurrentBalance)
	}
	return scenario, err
}

// GetOverduePayments lists the user's overdue SCHEDULED payments.
func (s *Service) GetOverduePayments(ctx context.Context, userID string) ([]*core.LoanPayment, error) {
	return s.overdue.FindOverdue(ctx, userID)
}

// CreateScheduledPayments (re)generates the loan's payment schedule.
func (s *Service) CreateScheduledPayments(ctx context.Context, loanID uuid.UUID) ([]*core.LoanPayment, error) {
	return s.generator.Generate(ctx, loanID)
}

// CancelScheduledPayment cancels a SCHEDULED payment and moves the loan's next
// payment date to the next payment still scheduled, or clears it.
func (s *Service) CancelScheduledPayment(ctx context.Context, paymentID uuid.UUID, reason string) (*core.LoanPayment, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	cancelled, loan, err := s.repo.CancelPayment(ctx, paymentID, reason)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Scheduled payment cancelled",
		applog.FieldPaymentID, paymentID,
		applog.FieldLoanID, cancelled.LoanID,
		"reason", reason)
	publish(ctx, s.events, core.NewPaymentEvent(core.EventPaymentCancelled, cancelled, loan, s.now()))
	return cancelled, nil
}

// RecalculateRemainingTerms refreshes the remaining term of the user's active loans
// from their start dates. Loans whose term has been advanced by payments are left
// alone. It returns the number of loans updated.
func (s *Service) RecalculateRemainingTerms(ctx context.Context, userID string) (int, error) {
	loans, err := s.repo.ListLoans(ctx, userID)
	if err != nil {
		return 0, core.Infra(err)
	}
	now := s.now()
	updated := 0
	for _, loan := range loans {
		if !loan.IsActive() || !amortization.ShouldRecalculateTerm(loan.RemainingTermMonths, loan.OriginalTermMonths) {
			continue
		}
		term := amortization.RecalculateRemainingTerm(loan.OriginalTermMonths, loan.StartDate, now)
		if term == loan.RemainingTermMonths || term == 0 {
			continue
		}
		_, err := s.repo.UpdateLoanAtomic(ctx, loan.ID, loan.Version, func(l *core.Loan) error {
			l.RemainingTermMonths = term
			return nil
		})
		if err != nil {
			slog.ErrorContext(ctx, "Failed to recalculate remaining term",
				applog.FieldLoanID, loan.ID,
				applog.FieldError, err)
			continue
		}
		updated++
	}
	return updated, nil
}

// GetLoan returns a loan owned by userID.
func (s *Service) GetLoan(ctx context.Context, loanID uuid.UUID, userID string) (*core.Loan, error) {
	return loadOwnedLoan(ctx, s.repo, loanID, userID)
}

// ListLoans returns the user's loans.
func (s *Service) ListLoans(ctx context.Context, userID string) ([]*core.Loan, error) {
	loans, err := s.repo.ListLoans(ctx, userID)
	return loans, core.Infra(err)
}

// GetPayment returns a payment whose loan is owned by userID.
func (s *Service) GetPayment(ctx context.Context, paymentID uuid.UUID, userID string) (*core.LoanPayment, error) {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if _, err := loadOwnedLoan(ctx, s.repo, p.LoanID, userID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("%w: payment %s", core.ErrNotFound, paymentID)
		}
		return nil, err
	}
	return p, nil
}

// ListPayments returns every payment of a loan owned by userID, by due date.
func (s *Service) ListPayments(ctx context.Context, loanID uuid.UUID, userID string) ([]*core.LoanPayment, error) {
	if _, err := loadOwnedLoan(ctx, s.repo, loanID, userID); err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, loanID)
	if err != nil {
		return nil, core.Infra(err)
	}
	sort.SliceStable(payments, func(i, j int) bool {
		return payments[i].DueDate().Before(payments[j].DueDate())
	})
	return payments, nil
}

// ProjectSchedule returns the amortization table for the loan's current balance and
// remaining term, starting at its next payment date.
func (s *Service) ProjectSchedule(ctx context.Context, loanID uuid.UUID, userID string) ([]amortization.Installment, error) {
	loan, err := loadOwnedLoan(ctx, s.repo, loanID, userID)
	if err != nil {
		return nil, err
	}
	if loan.RemainingTermMonths <= 0 || loan.CurrentBalance.IsZero() {
		return []amortization.Installment{}, nil
	}
	first := core.StartOfDay(s.now())
	if loan.NextPaymentDate != nil {
		first = *loan.NextPaymentDate
	}
	return amortization.Schedule(loan.CurrentBalance, loan.EffectiveRate(), loan.RemainingTermMonths, first)
}

// UpdateLoanStatus applies a user-requested status change such as pausing a loan.
func (s *Service) UpdateLoanStatus(ctx context.Context, loanID uuid.UUID, userID string, status core.LoanStatus) (*core.Loan, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", core.ErrInvalidArgument, status)
	}
	loan, err := loadOwnedLoan(ctx, s.repo, loanID, userID)
	if err != nil {
		return nil, err
	}
	if !loan.Status.CanBecome(status) {
		return nil, fmt.Errorf("%w: loan cannot move from %s to %s", core.ErrInvalidState, loan.Status, status)
	}
	updated, err := s.repo.UpdateLoanAtomic(ctx, loan.ID, loan.Version, func(l *core.Loan) error {
		if !l.Status.CanBecome(status) {
			return fmt.Errorf("%w: loan cannot move from %s to %s", core.ErrInvalidState, l.Status, status)
		}
		l.Status = status
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "Loan status changed",
		applog.FieldLoanID, loan.ID,
		"from", loan.Status,
		"to", status)
	return updated, nil
}
