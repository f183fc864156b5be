// Package amortization implements installment-loan arithmetic on fixed-point decimals.
//
// Every function is pure: no I/O, no clock. Money results are rounded half-up to cents;
// intermediate rate arithmetic keeps ratePrecision decimal places.
package amortization

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"loanledger/internal/core"
)

const (
	ratePrecision = 20
	powPrecision  = 28

	// termEpsilon is the fraction of a period ignored when rounding the inverse annuity
	// up. It absorbs the cent rounding of the EMI and float noise.
	termEpsilon = 1e-3
)

var (
	one          = decimal.NewFromInt(1)
	monthsFactor = decimal.NewFromInt(1200) // 100 (percent) * 12 (months)
)

// Split is the division of one payment into interest and principal.
type Split struct {
	Principal decimal.Decimal
	Interest  decimal.Decimal
}

// Scenario is the projected effect of applying a prepayment while holding the EMI fixed.
type Scenario struct {
	Balance           decimal.Decimal
	Prepayment        decimal.Decimal
	NewBalance        decimal.Decimal
	EMI               decimal.Decimal
	CurrentTermMonths int
	NewTermMonths     int
	TermReduction     int
	InterestSavings   decimal.Decimal
	FullPayoff        bool
}

// Installment is one row of a projected amortization table.
type Installment struct {
	Period           int
	DueDate          time.Time
	Principal        decimal.Decimal
	Interest         decimal.Decimal
	Total            decimal.Decimal
	RemainingBalance decimal.Decimal
}

// MonthlyRate converts an annual percentage rate into a monthly fraction (rate/100/12).
func MonthlyRate(annualRatePercent decimal.Decimal) decimal.Decimal {
	return annualRatePercent.DivRound(monthsFactor, ratePrecision)
}

// ComputeEMI returns the equated monthly installment that amortizes principal over
// termMonths at the given annual rate.
//
// A zero rate yields straight-line repayment. Otherwise the annuity formula
//
//	EMI = P·r·(1+r)^n / ((1+r)^n − 1)
//
// is used. The result is rounded half-up to cents; if that rounding would leave the
// installments short of the principal, the EMI is rounded up instead.
func ComputeEMI(principal, annualRatePercent decimal.Decimal, termMonths int) (decimal.Decimal, error) {
	if termMonths <= 0 {
		return decimal.Zero, fmt.Errorf("%w: term must be positive, got %d months", core.ErrInvalidArgument, termMonths)
	}
	if principal.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: principal must not be negative, got %s", core.ErrInvalidArgument, principal)
	}
	if annualRatePercent.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: rate must not be negative, got %s", core.ErrInvalidArgument, annualRatePercent)
	}

	n := decimal.NewFromInt(int64(termMonths))
	r := MonthlyRate(annualRatePercent)

	var exact decimal.Decimal
	if r.IsZero() {
		exact = principal.DivRound(n, ratePrecision)
	} else {
		factor := powInt(one.Add(r), termMonths)
		exact = principal.Mul(r).Mul(factor).DivRound(factor.Sub(one), ratePrecision)
	}

	emi := core.RoundCents(exact)
	if emi.Mul(n).LessThan(principal) {
		emi = exact.RoundCeil(core.CentPlaces)
	}
	return emi, nil
}

// SplitPayment divides amount into interest and principal against the given balance.
//
// Interest is one period's interest on the balance, never more than the amount itself;
// for a prepayment it is further capped at one EMI, so a borrower never settles more
// than one period's interest regardless of how much extra principal is supplied.
// The two portions always sum to amount exactly.
func SplitPayment(balance, monthlyRate, emi, amount decimal.Decimal, isPrePayment bool) Split {
	interest := core.RoundCents(balance.Mul(monthlyRate))
	if isPrePayment && emi.IsPositive() && interest.GreaterThan(emi) {
		interest = emi
	}
	if interest.GreaterThan(amount) {
		interest = amount
	}
	if interest.IsNegative() {
		interest = decimal.Zero
	}
	return Split{
		Principal: amount.Sub(interest),
		Interest:  interest,
	}
}

// ProjectPrepayment projects the loan after reducing balance by prepayment with the
// EMI held fixed.
//
// When the balance is cleared the scenario is a full payoff. Otherwise the new number
// of periods is the closed-form inverse of the annuity formula,
//
//	n' = ceil( −ln(1 − B'·r/EMI) / ln(1+r) )
//
// or ceil(B'/EMI) at a zero rate. It fails with core.ErrDomain when the logarithm
// argument is not positive, i.e. the EMI no longer covers the interest on B'.
func ProjectPrepayment(balance, monthlyRate, emi decimal.Decimal, termMonths int, prepayment decimal.Decimal) (Scenario, error) {
	if termMonths <= 0 {
		return Scenario{}, fmt.Errorf("%w: term must be positive, got %d months", core.ErrInvalidArgument, termMonths)
	}
	if prepayment.IsNegative() {
		return Scenario{}, fmt.Errorf("%w: prepayment must not be negative", core.ErrInvalidArgument)
	}

	newBalance := balance.Sub(prepayment)
	if newBalance.IsNegative() {
		newBalance = decimal.Zero
	}
	term := decimal.NewFromInt(int64(termMonths))

	s := Scenario{
		Balance:           balance,
		Prepayment:        prepayment,
		NewBalance:        newBalance,
		EMI:               emi,
		CurrentTermMonths: termMonths,
	}

	if newBalance.IsZero() {
		s.FullPayoff = true
		s.TermReduction = termMonths
		s.InterestSavings = core.RoundCents(emi.Mul(term).Sub(balance))
		return s, nil
	}
	if !emi.IsPositive() {
		return Scenario{}, fmt.Errorf("%w: emi must be positive", core.ErrInvalidArgument)
	}

	var newTerm int
	if monthlyRate.IsZero() {
		newTerm = int(newBalance.Div(emi).Ceil().IntPart())
	} else {
		arg := one.Sub(newBalance.Mul(monthlyRate).DivRound(emi, ratePrecision))
		if !arg.IsPositive() {
			return s, fmt.Errorf("%w: installment %s does not cover interest on %s", core.ErrDomain, emi, newBalance)
		}
		periods := -math.Log(arg.InexactFloat64()) / math.Log1p(monthlyRate.InexactFloat64())
		newTerm = int(math.Ceil(periods - termEpsilon))
	}
	if newTerm < 1 {
		newTerm = 1
	}
	if newTerm > termMonths {
		newTerm = termMonths
	}

	s.NewTermMonths = newTerm
	s.TermReduction = termMonths - newTerm
	s.InterestSavings = core.RoundCents(emi.Mul(decimal.NewFromInt(int64(s.TermReduction))))
	return s, nil
}

// RecalculateRemainingTerm returns the months left on a loan of originalTermMonths that
// started at start, as of asOf. Only whole calendar months are counted.
func RecalculateRemainingTerm(originalTermMonths int, start, asOf time.Time) int {
	elapsed := (asOf.Year()-start.Year())*12 + int(asOf.Month()) - int(start.Month())
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := originalTermMonths - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ShouldRecalculateTerm guards RecalculateRemainingTerm: a term already advanced by
// real payments must not be overwritten.
func ShouldRecalculateTerm(remainingTermMonths, originalTermMonths int) bool {
	return remainingTermMonths == 0 || remainingTermMonths == originalTermMonths
}

// Schedule projects the full amortization table for balance over termMonths, with the
// first installment due on firstDue and one per calendar month after it. The final
// row absorbs rounding residue so the remaining balance reaches exactly zero.
func Schedule(balance, annualRatePercent decimal.Decimal, termMonths int, firstDue time.Time) ([]Installment, error) {
	emi, err := ComputeEMI(balance, annualRatePercent, termMonths)
	if err != nil {
		return nil, err
	}
	r := MonthlyRate(annualRatePercent)

	rows := make([]Installment, 0, termMonths)
	remaining := balance
	for period := 1; period <= termMonths && remaining.IsPositive(); period++ {
		interest := core.RoundCents(remaining.Mul(r))
		principal := emi.Sub(interest)
		if period == termMonths || principal.GreaterThan(remaining) {
			principal = remaining
		}
		if principal.IsNegative() {
			principal = decimal.Zero
		}
		remaining = remaining.Sub(principal)

		rows = append(rows, Installment{
			Period:           period,
			DueDate:          core.AddMonths(firstDue, period-1),
			Principal:        principal,
			Interest:         interest,
			Total:            principal.Add(interest),
			RemainingBalance: remaining,
		})
	}
	return rows, nil
}

// powInt raises base to a non-negative integer power by repeated squaring, rounding
// intermediate products to powPrecision places.
func powInt(base decimal.Decimal, exp int) decimal.Decimal {
	result := one
	for exp > 0 {
		if exp&1 == 1 {
			result = result.Mul(base).Round(powPrecision)
		}
		base = base.Mul(base).Round(powPrecision)
		exp >>= 1
	}
	return result
}
