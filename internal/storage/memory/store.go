// Package memory provides in-process implementations of the loan repository, the
// ledger and the category resolver. State lives only as long as the process.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loanledger/internal/core"
	"loanledger/internal/loans"
)

// Store is an in-memory loans.LoanRepository. One mutex serializes every call, which
// makes each method an atomic unit.
type Store struct {
	mu       sync.Mutex
	loans    map[uuid.UUID]*core.Loan
	payments map[uuid.UUID]*core.LoanPayment
	now      func() time.Time
}

var _ loans.LoanRepository = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		loans:    make(map[uuid.UUID]*core.Loan),
		payments: make(map[uuid.UUID]*core.LoanPayment),
		now:      time.Now,
	}
}

func (s *Store) CreateLoan(_ context.Context, loan *core.Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[loan.ID]; ok {
		return fmt.Errorf("%w: loan %s already exists", core.ErrInvalidArgument, loan.ID)
	}
	s.loans[loan.ID] = loan.Clone()
	return nil
}

func (s *Store) GetLoan(_ context.Context, id uuid.UUID) (*core.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", core.ErrNotFound, id)
	}
	return l.Clone(), nil
}

func (s *Store) ListLoans(_ context.Context, userID string) ([]*core.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Loan, 0)
	for _, l := range s.loans {
		if userID == "" || l.UserID == userID {
			out = append(out, l.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateLoanAtomic(_ context.Context, id uuid.UUID, expectedVersion int64, mutate loans.LoanMutation) (*core.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.mutateLocked(id, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	s.loans[id] = updated
	return updated.Clone(), nil
}

// mutateLocked applies mutate to a copy of the loan and returns the copy without
// storing it.
func (s *Store) mutateLocked(id uuid.UUID, expectedVersion int64, mutate loans.LoanMutation) (*core.Loan, error) {
	current, ok := s.loans[id]
	if !ok {
		return nil, fmt.Errorf("%w: loan %s", core.ErrNotFound, id)
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
	next.UpdatedAt = s.now()
	return next, nil
}

func (s *Store) GetPayment(_ context.Context, id uuid.UUID) (*core.LoanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", core.ErrNotFound, id)
	}
	return p.Clone(), nil
}

func (s *Store) ListPayments(_ context.Context, loanID uuid.UUID) ([]*core.LoanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(p *core.LoanPayment) bool { return p.LoanID == loanID }), nil
}

func (s *Store) FindDueBetween(_ context.Context, from, to time.Time) ([]*core.LoanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(p *core.LoanPayment) bool {
		if p.Status != core.PaymentScheduled || p.ScheduledDate == nil {
			return false
		}
		d := *p.ScheduledDate
		return !d.Before(from) && d.Before(to)
	}), nil
}

func (s *Store) FindOverdue(_ context.Context, userID string, before time.Time) ([]*core.LoanPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.filterLocked(func(p *core.LoanPayment) bool {
		if p.Status != core.PaymentScheduled || p.ScheduledDate == nil || !p.ScheduledDate.Before(before) {
			return false
		}
		if userID == "" {
			return true
		}
		l, ok := s.loans[p.LoanID]
		return ok && l.UserID == userID
	}), nil
}

func (s *Store) ReplaceSchedule(_ context.Context, loanID uuid.UUID, expectedVersion int64, rows []*core.LoanPayment, mutate loans.LoanMutation) (*core.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := s.mutateLocked(loanID, expectedVersion, mutate)
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.LoanID != loanID || r.Status != core.PaymentScheduled || r.LedgerEntryID != "" {
			return nil, fmt.Errorf("%w: schedule rows must be unlinked SCHEDULED payments of loan %s", core.ErrInvalidArgument, loanID)
		}
		if _, ok := s.payments[r.ID]; ok {
			return nil, fmt.Errorf("%w: payment %s already exists", core.ErrInvalidArgument, r.ID)
		}
	}

	now := s.now()
	for _, p := range s.payments {
		if p.LoanID == loanID && p.Status == core.PaymentScheduled {
			s.cancelLocked(p, loans.ReasonSuperseded, now)
		}
	}
	for _, r := range rows {
		s.payments[r.ID] = r.Clone()
	}
	s.loans[loanID] = updated
	return updated.Clone(), nil
}

func (s *Store) TransitionPayment(_ context.Context, id uuid.UUID, to core.PaymentStatus, reason string) (*core.LoanPayment, error) {
	if to != core.PaymentDefaulted && to != core.PaymentCancelled {
		return nil, fmt.Errorf("%w: cannot transition a payment to %s directly", core.ErrInvalidArgument, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, fmt.Errorf("%w: payment %s", core.ErrNotFound, id)
	}
	if !p.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: payment %s is %s", core.ErrInvalidState, id, p.Status)
	}
	p.Status = to
	p.DefaultReason = reason
	p.UpdatedAt = s.now()
	return p.Clone(), nil
}

func (s *Store) SettlePayment(_ context.Context, st loans.Settlement) (*core.Loan, error) {
	if err := st.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.payments[st.Payment.ID]
	switch {
	case st.Insert && exists:
		return nil, fmt.Errorf("%w: payment %s already exists", core.ErrInvalidArgument, st.Payment.ID)
	case !st.Insert && !exists:
		return nil, fmt.Errorf("%w: payment %s", core.ErrNotFound, st.Payment.ID)
	case !st.Insert && !existing.Status.CanTransition(core.PaymentCompleted):
		return nil, fmt.Errorf("%w: payment %s is %s", core.ErrInvalidState, st.Payment.ID, existing.Status)
	}

	scheduled := s.filterLocked(func(p *core.LoanPayment) bool {
		return p.LoanID == st.Payment.LoanID && p.Status == core.PaymentScheduled && p.ID != st.Payment.ID
	})
	var overflow []*core.LoanPayment
	updated, err := s.mutateLocked(st.Payment.LoanID, st.ExpectedVersion, func(l *core.Loan) error {
		var err error
		overflow, err = st.Apply(l, scheduled)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.payments[st.Payment.ID] = st.Payment.Clone()
	s.loans[updated.ID] = updated
	now := s.now()
	for _, p := range overflow {
		s.cancelLocked(s.payments[p.ID], st.TrimReason, now)
	}
	return updated.Clone(), nil
}

func (s *Store) CancelPayment(_ context.Context, id uuid.UUID, reason string) (*core.LoanPayment, *core.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: payment %s", core.ErrNotFound, id)
	}
	if !p.Status.CanTransition(core.PaymentCancelled) {
		return nil, nil, fmt.Errorf("%w: payment %s is %s", core.ErrInvalidState, id, p.Status)
	}
	loan, ok := s.loans[p.LoanID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: loan %s", core.ErrNotFound, p.LoanID)
	}
	rest := s.filterLocked(func(o *core.LoanPayment) bool {
		return o.LoanID == p.LoanID && o.Status == core.PaymentScheduled && o.ID != id
	})
	updated, err := s.mutateLocked(loan.ID, loan.Version, func(l *core.Loan) error {
		l.NextPaymentDate = loans.NextScheduledDate(rest)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.cancelLocked(p, reason, s.now())
	s.loans[loan.ID] = updated
	return p.Clone(), updated.Clone(), nil
}

func (s *Store) cancelLocked(p *core.LoanPayment, reason string, now time.Time) {
	p.Status = core.PaymentCancelled
	p.DefaultReason = reason
	p.UpdatedAt = now
}

// filterLocked returns copies of the matching payments ordered by due date.
func (s *Store) filterLocked(match func(p *core.LoanPayment) bool) []*core.LoanPayment {
	out := make([]*core.LoanPayment, 0)
	for _, p := range s.payments {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].DueDate(), out[j].DueDate()
		if di.Equal(dj) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return di.Before(dj)
	})
	return out
}
