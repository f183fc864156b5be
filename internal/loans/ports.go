// Package loans implements the loan payment engine: schedule generation, the daily
// payment run, prepayments and overdue detection. Persistence, the ledger and event
// delivery are reached through the interfaces in this file.
package loans

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
)

// LedgerEntry is a request to post one debit or credit against an account.
// Posting the same IdempotencyKey twice returns the first entry's id.
type LedgerEntry struct {
	IdempotencyKey string
	UserID         string
	AccountID      string
	CategoryID     string
	Amount         decimal.Decimal
	Memo           string
	Date           time.Time
}

// LedgerGateway is the account and transaction subsystem.
type LedgerGateway interface {
	GetAccountBalance(ctx context.Context, accountID string) (decimal.Decimal, error)
	PostDebit(ctx context.Context, entry LedgerEntry) (string, error)
	PostCredit(ctx context.Context, entry LedgerEntry) (string, error)
	// FindEntry returns the id of the entry posted under idempotencyKey, or
	// core.ErrNotFound.
	FindEntry(ctx context.Context, idempotencyKey string) (string, error)
}

// CategoryResolver returns the category used to tag loan payment ledger entries.
type CategoryResolver interface {
	GetOrCreateLoanPaymentCategory(ctx context.Context, userID string) (string, error)
}

// EventPublisher delivers payment lifecycle events.
type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, ev core.PaymentEvent) error
}

// RunLock guarantees a single active payment run. Acquire returns
// core.ErrRunInProgress when another holder exists.
type RunLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// LoanMutation edits a copy of a loan inside an atomic update. Returning an error
// aborts the update.
type LoanMutation func(loan *core.Loan) error

// Settlement is the atomic unit that completes a payment: the payment row is written
// as COMPLETED and the loan is mutated under a version check, together or not at all.
type Settlement struct {
	Payment *core.LoanPayment
	// Insert is set for ad hoc payments; otherwise Payment replaces an existing
	// SCHEDULED row with the same id.
	Insert          bool
	ExpectedVersion int64
	Mutate          LoanMutation
	// TrimSchedule cancels SCHEDULED rows beyond the loan's remaining term after the
	// mutation, or all of them once the loan is paid off.
	TrimSchedule bool
	TrimReason   string
	// SyncNextDate points the loan's next payment date at the earliest payment
	// still SCHEDULED after the settlement.
	SyncNextDate bool
}

// LoanRepository persists loans and their payments.
//
// Every method that changes a loan bumps its Version and rejects a stale
// expectedVersion with core.ErrVersionConflict. Updated loans are checked with
// core.CheckLoanUpdate before they are stored.
type LoanRepository interface {
	CreateLoan(ctx context.Context, loan *core.Loan) error
	GetLoan(ctx context.Context, id uuid.UUID) (*core.Loan, error)
	ListLoans(ctx context.Context, userID string) ([]*core.Loan, error)
	UpdateLoanAtomic(ctx context.Context, id uuid.UUID, expectedVersion int64, mutate LoanMutation) (*core.Loan, error)

	GetPayment(ctx context.Context, id uuid.UUID) (*core.LoanPayment, error)
	// ListPayments returns the loan's payments ordered by due date.
	ListPayments(ctx context.Context, loanID uuid.UUID) ([]*core.LoanPayment, error)
	// FindDueBetween returns SCHEDULED payments with from <= scheduled date < to.
	FindDueBetween(ctx context.Context, from, to time.Time) ([]*core.LoanPayment, error)
	// FindOverdue returns SCHEDULED payments due before the given instant, oldest
	// first. An empty userID means every user.
	FindOverdue(ctx context.Context, userID string, before time.Time) ([]*core.LoanPayment, error)

	// ReplaceSchedule cancels the loan's SCHEDULED rows, inserts rows and applies
	// mutate in one unit.
	ReplaceSchedule(ctx context.Context, loanID uuid.UUID, expectedVersion int64, rows []*core.LoanPayment, mutate LoanMutation) (*core.Loan, error)
	// TransitionPayment moves a SCHEDULED payment to DEFAULTED or CANCELLED.
	TransitionPayment(ctx context.Context, id uuid.UUID, to core.PaymentStatus, reason string) (*core.LoanPayment, error)
	// CancelPayment cancels a SCHEDULED payment and points the loan's next payment
	// date at its earliest remaining SCHEDULED payment, in one unit.
	CancelPayment(ctx context.Context, id uuid.UUID, reason string) (*core.LoanPayment, *core.Loan, error)
	SettlePayment(ctx context.Context, s Settlement) (*core.Loan, error)
}

// Reasons recorded on payments that leave the SCHEDULED state without settling.
const (
	ReasonInsufficientFunds = "insufficient funds"
	ReasonSuperseded        = "superseded by regenerated schedule"
	ReasonPaidOff           = "loan paid off"
	ReasonPrepaid           = "schedule shortened by prepayment"
	ReasonMissedWindow      = "missed payment window"
	ReasonDebitReversed     = "debit reversed after failed settlement"
)

// PaymentCategoryName names the category that tags loan payment ledger entries.
const PaymentCategoryName = "Loan Payment"
