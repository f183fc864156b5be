package core

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy shared by every component. Callers wrap these with context using
// fmt.Errorf("%w: ...") and classify with errors.Is or KindOf.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDomain            = errors.New("domain error")
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInfrastructure    = errors.New("infrastructure error")

	// ErrVersionConflict is returned when an optimistic loan update lost a race.
	ErrVersionConflict = errors.New("version conflict")
	// ErrRunInProgress is returned when another payment run holds the run lock.
	ErrRunInProgress = errors.New("payment run already in progress")
)

// Kind is the coarse class of an error as seen by API callers.
type Kind int

const (
	KindInternal Kind = iota
	KindNotFound
	KindBusinessRule
	KindConflict
)

// KindOf classifies err into not-found, business-rule violation, conflict or internal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrVersionConflict), errors.Is(err, ErrRunInProgress):
		return KindConflict
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrDomain),
		errors.Is(err, ErrInvalidArgument):
		return KindBusinessRule
	default:
		return KindInternal
	}
}

// Infra tags err as an infrastructure failure unless it already carries a domain
// classification. Context deadlines count as infrastructure failures.
func Infra(err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindInternal || errors.Is(err, ErrInfrastructure) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out: %w", ErrInfrastructure, err)
	}
	return fmt.Errorf("%w: %w", ErrInfrastructure, err)
}
