package repository

import (
	"errors"
	"testing"

	"github.com/forgeloop/autocoder/internal/domain"
)

func TestStatusSwapValidate(t *testing.T) {
	allowed := []StatusSwap{
		{Expected: domain.StatusNotCreated, Next: domain.StatusRunning},
		{Expected: domain.StatusRunning, Next: domain.StatusStopped},
		{Expected: domain.StatusRunning, Next: domain.StatusCompleted},
		{Expected: domain.StatusRunning, Next: domain.StatusCrashed},
		{Expected: domain.StatusStopped, Next: domain.StatusRunning},
		{Expected: domain.StatusCrashed, Next: domain.StatusRunning},
		{Expected: domain.StatusCompleted, Next: domain.StatusNotCreated},
		// Same-status swaps update fields without a transition.
		{Expected: domain.StatusCrashed, Next: domain.StatusCrashed},
	}
	for _, swap := range allowed {
		if err := swap.Validate(); err != nil {
			t.Errorf("expected %s -> %s to validate, got %v", swap.Expected, swap.Next, err)
		}
	}

	forbidden := []StatusSwap{
		{Expected: domain.StatusCompleted, Next: domain.StatusRunning},
		{Expected: domain.StatusNotCreated, Next: domain.StatusCrashed},
		{Expected: domain.StatusStopped, Next: domain.StatusCompleted},
		{Expected: domain.StatusCrashed, Next: domain.StatusCompleted},
	}
	for _, swap := range forbidden {
		err := swap.Validate()
		if err == nil {
			t.Errorf("expected %s -> %s to be rejected", swap.Expected, swap.Next)
			continue
		}
		if !errors.Is(err, ErrIllegalTransition) {
			t.Errorf("expected ErrIllegalTransition for %s -> %s, got %v", swap.Expected, swap.Next, err)
		}
	}
}
