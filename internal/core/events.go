package core

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Payment event types published after a payment reaches a terminal state.
const (
	EventPaymentCompleted    = "payment.completed"
	EventPaymentDefaulted    = "payment.defaulted"
	EventPaymentCancelled    = "payment.cancelled"
	EventPrepaymentCompleted = "prepayment.completed"
)

// PaymentEvent describes one payment lifecycle transition.
type PaymentEvent struct {
	Type       string          `json:"type"`
	PaymentID  uuid.UUID       `json:"payment_id"`
	LoanID     uuid.UUID       `json:"loan_id"`
	UserID     string          `json:"user_id"`
	Status     PaymentStatus   `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Principal  decimal.Decimal `json:"principal"`
	Interest   decimal.Decimal `json:"interest"`
	Reason     string          `json:"reason,omitempty"`
	Balance    decimal.Decimal `json:"balance_after"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// NewPaymentEvent builds an event for p. The loan, when known, supplies the owner and
// the balance after the transition.
func NewPaymentEvent(eventType string, p *LoanPayment, loan *Loan, at time.Time) PaymentEvent {
	ev := PaymentEvent{
		Type:       eventType,
		PaymentID:  p.ID,
		LoanID:     p.LoanID,
		Status:     p.Status,
		Amount:     p.Amount,
		Principal:  p.Principal,
		Interest:   p.Interest,
		Reason:     p.DefaultReason,
		OccurredAt: at,
	}
	if loan != nil {
		ev.UserID = loan.UserID
		ev.Balance = loan.CurrentBalance
	}
	return ev
}
