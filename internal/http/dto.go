package http

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/amortization"
	"loanledger/internal/core"
	"loanledger/internal/loans"
)

// Request payloads. Money travels as decimal strings or numbers, dates as YYYY-MM-DD.

type createLoanRequest struct {
	AccountID           string           `json:"account_id" validate:"required,max=64"`
	Name                string           `json:"name" validate:"required,max=120"`
	Principal           decimal.Decimal  `json:"principal" validate:"gt=0"`
	AnnualRate          decimal.Decimal  `json:"annual_rate" validate:"gte=0,lte=100"`
	TermMonths          int              `json:"term_months" validate:"required,gt=0,lte=600"`
	StartDate           string           `json:"start_date" validate:"required,datetime=2006-01-02"`
	CurrentBalance      *decimal.Decimal `json:"current_balance,omitempty"`
	RemainingTermMonths int              `json:"remaining_term_months,omitempty" validate:"gte=0"`
	NextPaymentDate     string           `json:"next_payment_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	TotalPaid           decimal.Decimal  `json:"total_paid"`
	TotalInterestPaid   decimal.Decimal  `json:"total_interest_paid"`
	GenerateSchedule    bool             `json:"generate_schedule"`
}

func (req createLoanRequest) params(userID string) (loans.CreateLoanParams, error) {
	start, err := parseDate(req.StartDate)
	if err != nil {
		return loans.CreateLoanParams{}, err
	}
	next, err := parseOptionalDate(req.NextPaymentDate)
	if err != nil {
		return loans.CreateLoanParams{}, err
	}
	return loans.CreateLoanParams{
		UserID:              userID,
		AccountID:           sanitizeInput(req.AccountID),
		Name:                sanitizeInput(req.Name),
		Principal:           req.Principal,
		AnnualRate:          req.AnnualRate,
		TermMonths:          req.TermMonths,
		StartDate:           start,
		CurrentBalance:      req.CurrentBalance,
		RemainingTermMonths: req.RemainingTermMonths,
		NextPaymentDate:     next,
		TotalPaid:           req.TotalPaid,
		TotalInterestPaid:   req.TotalInterestPaid,
		GenerateSchedule:    req.GenerateSchedule,
	}, nil
}

type paymentRequest struct {
	Amount       decimal.Decimal `json:"amount" validate:"gt=0"`
	Date         string          `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	IsPrePayment bool            `json:"is_prepayment"`
}

type statusRequest struct {
	Status core.LoanStatus `json:"status" validate:"required,oneof=ACTIVE PAUSED REFINANCED DEFAULTED"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=200"`
}

// Responses.

type loanResponse struct {
	ID                  uuid.UUID        `json:"id"`
	UserID              string           `json:"user_id"`
	AccountID           string           `json:"account_id"`
	Name                string           `json:"name"`
	OriginalPrincipal   decimal.Decimal  `json:"original_principal"`
	OriginalRate        decimal.Decimal  `json:"original_rate"`
	OriginalTermMonths  int              `json:"original_term_months"`
	StartDate           string           `json:"start_date"`
	CurrentBalance      decimal.Decimal  `json:"current_balance"`
	CurrentRate         *decimal.Decimal `json:"current_rate,omitempty"`
	RemainingTermMonths int              `json:"remaining_term_months"`
	Status              core.LoanStatus  `json:"status"`
	NextPaymentDate     *string          `json:"next_payment_date"`
	LastPaymentDate     *string          `json:"last_payment_date"`
	TotalPaid           decimal.Decimal  `json:"total_paid"`
	TotalInterestPaid   decimal.Decimal  `json:"total_interest_paid"`
	TotalPrepaid        decimal.Decimal  `json:"total_prepaid"`
	TotalInterestSaved  decimal.Decimal  `json:"total_interest_saved"`
	Version             int64            `json:"version"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

func newLoanResponse(l *core.Loan) loanResponse {
	return loanResponse{
		ID:                  l.ID,
		UserID:              l.UserID,
		AccountID:           l.AccountID,
		Name:                l.Name,
		OriginalPrincipal:   l.OriginalPrincipal,
		OriginalRate:        l.OriginalRate,
		OriginalTermMonths:  l.OriginalTermMonths,
		StartDate:           formatDate(l.StartDate),
		CurrentBalance:      l.CurrentBalance,
		CurrentRate:         l.CurrentRate,
		RemainingTermMonths: l.RemainingTermMonths,
		Status:              l.Status,
		NextPaymentDate:     formatOptionalDate(l.NextPaymentDate),
		LastPaymentDate:     formatOptionalDate(l.LastPaymentDate),
		TotalPaid:           l.TotalPaid,
		TotalInterestPaid:   l.TotalInterestPaid,
		TotalPrepaid:        l.TotalPrepaid,
		TotalInterestSaved:  l.TotalInterestSaved,
		Version:             l.Version,
		CreatedAt:           l.CreatedAt.UTC(),
		UpdatedAt:           l.UpdatedAt.UTC(),
	}
}

type paymentResponse struct {
	ID              uuid.UUID           `json:"id"`
	LoanID          uuid.UUID           `json:"loan_id"`
	LedgerEntryID   string              `json:"ledger_entry_id,omitempty"`
	Amount          decimal.Decimal     `json:"amount"`
	Principal       decimal.Decimal     `json:"principal"`
	Interest        decimal.Decimal     `json:"interest"`
	IsPrePayment    bool                `json:"is_prepayment"`
	PrePaymentType  core.PrePaymentType `json:"prepayment_type,omitempty"`
	IsScheduled     bool                `json:"is_scheduled"`
	ScheduledDate   *string             `json:"scheduled_date"`
	PaymentDate     *string             `json:"payment_date"`
	Status          core.PaymentStatus  `json:"status"`
	DefaultReason   string              `json:"default_reason,omitempty"`
	InterestSavings decimal.Decimal     `json:"interest_savings"`
	TermReduction   int                 `json:"term_reduction"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

func newPaymentResponse(p *core.LoanPayment) paymentResponse {
	return paymentResponse{
		ID:              p.ID,
		LoanID:          p.LoanID,
		LedgerEntryID:   p.LedgerEntryID,
		Amount:          p.Amount,
		Principal:       p.Principal,
		Interest:        p.Interest,
		IsPrePayment:    p.IsPrePayment,
		PrePaymentType:  p.PrePaymentType,
		IsScheduled:     p.IsScheduled,
		ScheduledDate:   formatOptionalDate(p.ScheduledDate),
		PaymentDate:     formatOptionalDate(p.PaymentDate),
		Status:          p.Status,
		DefaultReason:   p.DefaultReason,
		InterestSavings: p.InterestSavings,
		TermReduction:   p.TermReduction,
		CreatedAt:       p.CreatedAt.UTC(),
		UpdatedAt:       p.UpdatedAt.UTC(),
	}
}

func newPaymentList(ps []*core.LoanPayment) []paymentResponse {
	out := make([]paymentResponse, 0, len(ps))
	for _, p := range ps {
		out = append(out, newPaymentResponse(p))
	}
	return out
}

type scenarioResponse struct {
	Balance           decimal.Decimal `json:"balance"`
	Prepayment        decimal.Decimal `json:"prepayment"`
	NewBalance        decimal.Decimal `json:"new_balance"`
	EMI               decimal.Decimal `json:"emi"`
	CurrentTermMonths int             `json:"current_term_months"`
	NewTermMonths     int             `json:"new_term_months"`
	TermReduction     int             `json:"term_reduction"`
	InterestSavings   decimal.Decimal `json:"interest_savings"`
	FullPayoff        bool            `json:"full_payoff"`
}

func newScenarioResponse(s amortization.Scenario) scenarioResponse {
	return scenarioResponse{
		Balance:           s.Balance,
		Prepayment:        s.Prepayment,
		NewBalance:        s.NewBalance,
		EMI:               s.EMI,
		CurrentTermMonths: s.CurrentTermMonths,
		NewTermMonths:     s.NewTermMonths,
		TermReduction:     s.TermReduction,
		InterestSavings:   s.InterestSavings,
		FullPayoff:        s.FullPayoff,
	}
}

type paymentResultResponse struct {
	Payment  paymentResponse  `json:"payment"`
	Loan     loanResponse     `json:"loan"`
	Scenario scenarioResponse `json:"scenario"`
}

type installmentResponse struct {
	Period           int             `json:"period"`
	DueDate          string          `json:"due_date"`
	Principal        decimal.Decimal `json:"principal"`
	Interest         decimal.Decimal `json:"interest"`
	Total            decimal.Decimal `json:"total"`
	RemainingBalance decimal.Decimal `json:"remaining_balance"`
}

func newScheduleResponse(rows []amortization.Installment) []installmentResponse {
	out := make([]installmentResponse, 0, len(rows))
	for _, r := range rows {
		out = append(out, installmentResponse{
			Period:           r.Period,
			DueDate:          formatDate(r.DueDate),
			Principal:        r.Principal,
			Interest:         r.Interest,
			Total:            r.Total,
			RemainingBalance: r.RemainingBalance,
		})
	}
	return out
}

func formatDate(t time.Time) string {
	return t.UTC().Format(dateLayout)
}

func formatOptionalDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatDate(*t)
	return &s
}
