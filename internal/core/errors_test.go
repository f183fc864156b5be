package core

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		err  error
		want Kind
	}{
		{fmt.Errorf("%w: loan x", ErrNotFound), KindNotFound},
		{fmt.Errorf("%w: loan is PAUSED", ErrInvalidState), KindBusinessRule},
		{ErrInsufficientFunds, KindBusinessRule},
		{ErrDomain, KindBusinessRule},
		{ErrInvalidArgument, KindBusinessRule},
		{ErrVersionConflict, KindConflict},
		{ErrRunInProgress, KindConflict},
		{errors.New("boom"), KindInternal},
		{Infra(errors.New("disk full")), KindInternal},
	}
	for i, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Fatalf("case %d (%v): expected %d, got %d", i, tc.err, tc.want, got)
		}
	}
}

func TestInfra(t *testing.T) {
	if Infra(nil) != nil {
		t.Fatalf("expected nil")
	}
	err := Infra(context.DeadlineExceeded)
	if !errors.Is(err, ErrInfrastructure) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout to be tagged as infrastructure, got %v", err)
	}
	nf := fmt.Errorf("%w: payment", ErrNotFound)
	if got := Infra(nf); got != nf {
		t.Fatalf("classified errors must pass through unchanged")
	}
}
