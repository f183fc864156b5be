package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"loanledger/internal/core"
)

// Timestamps are stored as fixed-width UTC text so that string order is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const loanColumns = `id, user_id, account_id, name, original_principal, original_rate,
	original_term_months, start_date, current_balance, current_rate, remaining_term_months,
	status, next_payment_date, last_payment_date, total_paid, total_interest_paid,
	total_prepaid, total_interest_saved, version, created_at, updated_at`

const paymentColumns = `id, loan_id, ledger_entry_id, amount, principal, interest,
	is_pre_payment, pre_payment_type, is_scheduled, scheduled_date, payment_date, status,
	default_reason, interest_savings, term_reduction, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullRate(r *decimal.Decimal) decimal.NullDecimal {
	if r == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *r, Valid: true}
}

// timeParser parses stored timestamps and keeps the first failure.
type timeParser struct{ err error }

func (p *timeParser) parse(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t
}

func (p *timeParser) parseNull(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := p.parse(s.String)
	return &t
}

func scanLoan(row scanner) (*core.Loan, error) {
	var (
		l                       core.Loan
		rate                    decimal.NullDecimal
		status                  string
		start, created, updated string
		next, last              sql.NullString
	)
	err := row.Scan(&l.ID, &l.UserID, &l.AccountID, &l.Name, &l.OriginalPrincipal, &l.OriginalRate,
		&l.OriginalTermMonths, &start, &l.CurrentBalance, &rate, &l.RemainingTermMonths,
		&status, &next, &last, &l.TotalPaid, &l.TotalInterestPaid,
		&l.TotalPrepaid, &l.TotalInterestSaved, &l.Version, &created, &updated)
	if err != nil {
		return nil, err
	}

	var tp timeParser
	l.Status = core.LoanStatus(status)
	l.StartDate = tp.parse(start)
	l.NextPaymentDate = tp.parseNull(next)
	l.LastPaymentDate = tp.parseNull(last)
	l.CreatedAt = tp.parse(created)
	l.UpdatedAt = tp.parse(updated)
	if rate.Valid {
		r := rate.Decimal
		l.CurrentRate = &r
	}
	if tp.err != nil {
		return nil, tp.err
	}
	return &l, nil
}

func scanPayment(row scanner) (*core.LoanPayment, error) {
	var (
		p                core.LoanPayment
		preType, status  string
		created, updated string
		scheduled, paid  sql.NullString
	)
	err := row.Scan(&p.ID, &p.LoanID, &p.LedgerEntryID, &p.Amount, &p.Principal, &p.Interest,
		&p.IsPrePayment, &preType, &p.IsScheduled, &scheduled, &paid, &status,
		&p.DefaultReason, &p.InterestSavings, &p.TermReduction, &created, &updated)
	if err != nil {
		return nil, err
	}

	var tp timeParser
	p.PrePaymentType = core.PrePaymentType(preType)
	p.Status = core.PaymentStatus(status)
	p.ScheduledDate = tp.parseNull(scheduled)
	p.PaymentDate = tp.parseNull(paid)
	p.CreatedAt = tp.parse(created)
	p.UpdatedAt = tp.parse(updated)
	if tp.err != nil {
		return nil, tp.err
	}
	return &p, nil
}

func collectPayments(rows *sql.Rows) ([]*core.LoanPayment, error) {
	defer rows.Close()
	out := make([]*core.LoanPayment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return out, nil
}

func paymentArgs(p *core.LoanPayment) []any {
	return []any{
		p.ID.String(), p.LoanID.String(), p.LedgerEntryID, p.Amount, p.Principal, p.Interest,
		p.IsPrePayment, string(p.PrePaymentType), p.IsScheduled, nullTime(p.ScheduledDate), nullTime(p.PaymentDate), string(p.Status),
		p.DefaultReason, p.InterestSavings, p.TermReduction, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	}
}
