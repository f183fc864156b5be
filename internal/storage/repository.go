package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"loanledger/internal/core"
	"loanledger/internal/loans"
	applog "loanledger/internal/log"
)

// SQLiteRepository is a loans.LoanRepository on SQLite. Multi-row operations run in a
// single transaction and loan writes are guarded by the version column.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

var _ loans.LoanRepository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

func (r *SQLiteRepository) CreateLoan(ctx context.Context, loan *core.Loan) error {
	now := r.now()
	if loan.CreatedAt.IsZero() {
		loan.CreatedAt = now
	}
	if loan.UpdatedAt.IsZero() {
		loan.UpdatedAt = now
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		loan.ID.String(), loan.UserID, loan.AccountID, loan.Name, loan.OriginalPrincipal, loan.OriginalRate,
		loan.OriginalTermMonths, formatTime(loan.StartDate), loan.CurrentBalance, nullRate(loan.CurrentRate), loan.RemainingTermMonths,
		string(loan.Status), nullTime(loan.NextPaymentDate), nullTime(loan.LastPaymentDate), loan.TotalPaid, loan.TotalInterestPaid,
		loan.TotalPrepaid, loan.TotalInterestSaved, loan.Version, formatTime(loan.CreatedAt), formatTime(loan.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: loan %s already exists", core.ErrInvalidArgument, loan.ID)
		}
		return core.Infra(fmt.Errorf("insert loan: %w", err))
	}

	slog.InfoContext(ctx, "Loan saved to SQLite",
		applog.FieldComponent, applog.ComponentStorage,
		applog.FieldLoanID, loan.ID,
		"user_id", loan.UserID,
		applog.FieldBalance, loan.CurrentBalance.StringFixed(2))
	return nil
}

func (r *SQLiteRepository) GetLoan(ctx context.Context, id uuid.UUID) (*core.Loan, error) {
	return getLoan(ctx, r.db, id)
}

func (r *SQLiteRepository) ListLoans(ctx context.Context, userID string) ([]*core.Loan, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+loanColumns+` FROM loans
		WHERE ? = '' OR user_id = ?
		ORDER BY created_at, id`, userID, userID)
	if err != nil {
		return nil, core.Infra(fmt.Errorf("list loans: %w", err))
	}
	defer rows.Close()

	out := make([]*core.Loan, 0)
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, core.Infra(fmt.Errorf("scan loan: %w", err))
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, core.Infra(fmt.Errorf("iterate loans: %w", err))
	}
	return out, nil
}

func (r *SQLiteRepository) UpdateLoanAtomic(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate loans.LoanMutation) (*core.Loan, error) {
	var updated *core.Loan
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		next, err := r.mutateLoan(ctx, tx, id, expectedVersion, mutate)
		if err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *SQLiteRepository) GetPayment(ctx context.Context, id uuid.UUID) (*core.LoanPayment, error) {
	return getPayment(ctx, r.db, id)
}

func (r *SQLiteRepository) ListPayments(ctx context.Context, loanID uuid.UUID) ([]*core.LoanPayment, error) {
	return r.queryPayments(ctx, `WHERE loan_id = ?`, loanID.String())
}

func (r *SQLiteRepository) FindDueBetween(ctx context.Context, from, to time.Time) ([]*core.LoanPayment, error) {
	return r.queryPayments(ctx, `WHERE status = 'SCHEDULED' AND scheduled_date >= ? AND scheduled_date < ?`,
		formatTime(from), formatTime(to))
}

func (r *SQLiteRepository) FindOverdue(ctx context.Context, userID string, before time.Time) ([]*core.LoanPayment, error) {
	return r.queryPayments(ctx, `WHERE status = 'SCHEDULED' AND scheduled_date < ?
		AND (? = '' OR loan_id IN (SELECT id FROM loans WHERE user_id = ?))`,
		formatTime(before), userID, userID)
}

func (r *SQLiteRepository) ReplaceSchedule(ctx context.Context, loanID uuid.UUID, expectedVersion int64, rows []*core.LoanPayment, mutate loans.LoanMutation) (*core.Loan, error) {
	for _, p := range rows {
		if p.LoanID != loanID || p.Status != core.PaymentScheduled || p.LedgerEntryID != "" {
			return nil, fmt.Errorf("%w: schedule rows must be unlinked SCHEDULED payments of loan %s", core.ErrInvalidArgument, loanID)
		}
	}

	var updated *core.Loan
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		next, err := r.mutateLoan(ctx, tx, loanID, expectedVersion, mutate)
		if err != nil {
			return err
		}
		now := formatTime(r.now())
		if _, err := tx.ExecContext(ctx, `UPDATE loan_payments
			SET status = 'CANCELLED', default_reason = ?, updated_at = ?
			WHERE loan_id = ? AND status = 'SCHEDULED'`,
			loans.ReasonSuperseded, now, loanID.String()); err != nil {
			return fmt.Errorf("cancel superseded schedule: %w", err)
		}
		for _, p := range rows {
			if err := r.insertPayment(ctx, tx, p); err != nil {
				return err
			}
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "Payment schedule replaced",
		applog.FieldComponent, applog.ComponentStorage,
		applog.FieldLoanID, loanID,
		"rows", len(rows),
		"version", updated.Version)
	return updated, nil
}

func (r *SQLiteRepository) TransitionPayment(ctx context.Context, id uuid.UUID, to core.PaymentStatus, reason string) (*core.LoanPayment, error) {
	if to != core.PaymentDefaulted && to != core.PaymentCancelled {
		return nil, fmt.Errorf("%w: cannot transition a payment to %s directly", core.ErrInvalidArgument, to)
	}

	var out *core.LoanPayment
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if !p.Status.CanTransition(to) {
			return fmt.Errorf("%w: payment %s is %s", core.ErrInvalidState, id, p.Status)
		}
		p.Status = to
		p.DefaultReason = reason
		p.UpdatedAt = r.now()
		// The status guard makes a concurrent transition lose instead of overwrite.
		res, err := tx.ExecContext(ctx, `UPDATE loan_payments
			SET status = ?, default_reason = ?, updated_at = ?
			WHERE id = ? AND status = 'SCHEDULED'`,
			string(to), reason, formatTime(p.UpdatedAt), id.String())
		if err != nil {
			return fmt.Errorf("update payment status: %w", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: payment %s is no longer SCHEDULED", core.ErrInvalidState, id)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *SQLiteRepository) SettlePayment(ctx context.Context, st loans.Settlement) (*core.Loan, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}

	var updated *core.Loan
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := getPayment(ctx, tx, st.Payment.ID)
		switch {
		case err != nil && !errors.Is(err, core.ErrNotFound):
			return err
		case st.Insert && existing != nil:
			return fmt.Errorf("%w: payment %s already exists", core.ErrInvalidArgument, st.Payment.ID)
		case !st.Insert && existing == nil:
			return fmt.Errorf("%w: payment %s", core.ErrNotFound, st.Payment.ID)
		case !st.Insert && !existing.Status.CanTransition(core.PaymentCompleted):
			return fmt.Errorf("%w: payment %s is %s", core.ErrInvalidState, st.Payment.ID, existing.Status)
		}

		scheduled, err := r.scheduledPayments(ctx, tx, st.Payment.LoanID, st.Payment.ID)
		if err != nil {
			return err
		}
		var overflow []*core.LoanPayment
		next, err := r.mutateLoan(ctx, tx, st.Payment.LoanID, st.ExpectedVersion, func(l *core.Loan) error {
			var err error
			overflow, err = st.Apply(l, scheduled)
			return err
		})
		if err != nil {
			return err
		}

		if st.Insert {
			err = r.insertPayment(ctx, tx, st.Payment)
		} else {
			err = r.updatePayment(ctx, tx, st.Payment)
		}
		if err != nil {
			return err
		}
		if err := r.cancelPayments(ctx, tx, overflow, st.TrimReason); err != nil {
			return err
		}
		updated = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *SQLiteRepository) CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*core.LoanPayment, *core.Loan, error) {
	var (
		cancelled *core.LoanPayment
		updated   *core.Loan
	)
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		p, err := getPayment(ctx, tx, id)
		if err != nil {
			return err
		}
		if !p.Status.CanTransition(core.PaymentCancelled) {
			return fmt.Errorf("%w: payment %s is %s", core.ErrInvalidState, id, p.Status)
		}
		loan, err := getLoan(ctx, tx, p.LoanID)
		if err != nil {
			return err
		}
		rest, err := r.scheduledPayments(ctx, tx, p.LoanID, id)
		if err != nil {
			return err
		}
		next, err := r.mutateLoan(ctx, tx, loan.ID, loan.Version, func(l *core.Loan) error {
			l.NextPaymentDate = loans.NextScheduledDate(rest)
			return nil
		})
		if err != nil {
			return err
		}
		if err := r.cancelPayments(ctx, tx, []*core.LoanPayment{p}, reason); err != nil {
			return err
		}
		p.Status = core.PaymentCancelled
		p.DefaultReason = reason
		p.UpdatedAt = next.UpdatedAt
		cancelled, updated = p, next
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	slog.InfoContext(ctx, "Payment cancelled",
		applog.FieldComponent, applog.ComponentStorage,
		applog.FieldPaymentID, id,
		applog.FieldLoanID, updated.ID,
		"version", updated.Version)
	return cancelled, updated, nil
}

// mutateLoan applies mutate to the stored loan inside tx and writes it back with the
// version bumped.
func (r *SQLiteRepository) mutateLoan(ctx context.Context, tx *sql.Tx, id uuid.UUID, expectedVersion int64, mutate loans.LoanMutation) (*core.Loan, error) {
	current, err := getLoan(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if current.Version != expectedVersion {
		return nil, fmt.Errorf("%w: loan %s is at version %d, expected %d", core.ErrVersionConflict, id, current.Version, expectedVersion)
	}
	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	if err := core.CheckLoanUpdate(current, next); err != nil {
		return nil, err
	}
	next.ID = current.ID
	next.Version = current.Version + 1
	next.UpdatedAt = r.now()

	res, err := tx.ExecContext(ctx, `UPDATE loans SET
		name = ?, current_balance = ?, current_rate = ?, remaining_term_months = ?, status = ?,
		next_payment_date = ?, last_payment_date = ?, total_paid = ?, total_interest_paid = ?,
		total_prepaid = ?, total_interest_saved = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		next.Name, next.CurrentBalance, nullRate(next.CurrentRate), next.RemainingTermMonths, string(next.Status),
		nullTime(next.NextPaymentDate), nullTime(next.LastPaymentDate), next.TotalPaid, next.TotalInterestPaid,
		next.TotalPrepaid, next.TotalInterestSaved, next.Version, formatTime(next.UpdatedAt),
		id.String(), expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update loan: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("%w: loan %s changed concurrently", core.ErrVersionConflict, id)
	}
	return next, nil
}

// scheduledPayments loads the loan's SCHEDULED payments other than exclude.
func (r *SQLiteRepository) scheduledPayments(ctx context.Context, tx *sql.Tx, loanID, exclude uuid.UUID) ([]*core.LoanPayment, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+paymentColumns+` FROM loan_payments
		WHERE loan_id = ? AND status = 'SCHEDULED' AND id <> ?`, loanID.String(), exclude.String())
	if err != nil {
		return nil, fmt.Errorf("load schedule: %w", err)
	}
	return collectPayments(rows)
}

// cancelPayments moves the given payments from SCHEDULED to CANCELLED. A payment
// that already left SCHEDULED fails the unit.
func (r *SQLiteRepository) cancelPayments(ctx context.Context, tx *sql.Tx, payments []*core.LoanPayment, reason string) error {
	now := formatTime(r.now())
	for _, p := range payments {
		res, err := tx.ExecContext(ctx, `UPDATE loan_payments
			SET status = 'CANCELLED', default_reason = ?, updated_at = ?
			WHERE id = ? AND status = 'SCHEDULED'`, reason, now, p.ID.String())
		if err != nil {
			return fmt.Errorf("cancel scheduled payment %s: %w", p.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return fmt.Errorf("%w: payment %s is no longer SCHEDULED", core.ErrInvalidState, p.ID)
		}
	}
	return nil
}

func (r *SQLiteRepository) insertPayment(ctx context.Context, tx *sql.Tx, p *core.LoanPayment) error {
	row := p.Clone()
	now := r.now()
	if row.CreatedAt.IsZero() {
		row.CreatedAt = now
	}
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = now
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO loan_payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, paymentArgs(row)...)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: payment %s already exists", core.ErrInvalidArgument, p.ID)
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) updatePayment(ctx context.Context, tx *sql.Tx, p *core.LoanPayment) error {
	_, err := tx.ExecContext(ctx, `UPDATE loan_payments SET
		ledger_entry_id = ?, amount = ?, principal = ?, interest = ?, is_pre_payment = ?,
		pre_payment_type = ?, payment_date = ?, status = ?, default_reason = ?,
		interest_savings = ?, term_reduction = ?, updated_at = ?
		WHERE id = ?`,
		p.LedgerEntryID, p.Amount, p.Principal, p.Interest, p.IsPrePayment,
		string(p.PrePaymentType), nullTime(p.PaymentDate), string(p.Status), p.DefaultReason,
		p.InterestSavings, p.TermReduction, formatTime(r.now()),
		p.ID.String())
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) queryPayments(ctx context.Context, where string, args ...any) ([]*core.LoanPayment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+paymentColumns+` FROM loan_payments `+where+`
		ORDER BY COALESCE(scheduled_date, payment_date, created_at), id`, args...)
	if err != nil {
		return nil, core.Infra(fmt.Errorf("query payments: %w", err))
	}
	out, err := collectPayments(rows)
	if err != nil {
		return nil, core.Infra(err)
	}
	return out, nil
}

// inTx runs fn in a transaction, committing only when fn succeeds. Errors without a
// domain classification come back tagged as infrastructure failures.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return inTx(ctx, r.db, fn)
}

func inTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return core.Infra(fmt.Errorf("begin transaction: %w", err))
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return core.Infra(err)
	}
	if err := tx.Commit(); err != nil {
		return core.Infra(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getLoan(ctx context.Context, q querier, id uuid.UUID) (*core.Loan, error) {
	l, err := scanLoan(q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: loan %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, core.Infra(fmt.Errorf("get loan %s: %w", id, err))
	}
	return l, nil
}

func getPayment(ctx context.Context, q querier, id uuid.UUID) (*core.LoanPayment, error) {
	p, err := scanPayment(q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM loan_payments WHERE id = ?`, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: payment %s", core.ErrNotFound, id)
	}
	if err != nil {
		return nil, core.Infra(fmt.Errorf("get payment %s: %w", id, err))
	}
	return p, nil
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
