package pipeline

import (
	"context"
	"fmt"
)

// Step is one unit of the pipeline. Run drives the three phases; a phase
// error never escapes the step boundary, it becomes a fault on the state.
type Step interface {
	// Name identifies the step. Names are unique within a graph and key the
	// state's fault registry.
	Name() string

	// CanEnter reports whether the step should run against this state. A
	// false return is a skip, not a failure.
	CanEnter(s *State) bool

	// Before validates preconditions and performs setup.
	Before(ctx context.Context, s *State) error

	// Execute performs the step's work, mutating s.
	Execute(ctx context.Context, s *State) error

	// After validates postconditions.
	After(ctx context.Context, s *State) error
}

// BaseStep provides the default phase behavior: enter only while no faults
// are recorded, with no-op setup and validation. Embed it and override what
// the step needs.
type BaseStep struct{}

// CanEnter allows entry only when no step has faulted yet.
func (BaseStep) CanEnter(s *State) bool { return !s.Failed() }

func (BaseStep) Before(ctx context.Context, s *State) error { return nil }

func (BaseStep) After(ctx context.Context, s *State) error { return nil }

// StepError reports which phase of which step failed. The failure is already
// recorded on the returned state; the error exists for logging and metrics.
type StepError struct {
	Step  string
	Phase string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed in %s: %v", e.Step, e.Phase, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Run invokes one step against the state and returns the resulting state.
//
// The contract: a skipped step returns the input unchanged with a nil error.
// A successful step returns a new state carrying its mutations. A failing
// phase returns the input state plus a fault under the step's name, and the
// StepError describing the failure; the error never propagates further.
func Run(ctx context.Context, step Step, state *State) (next *State, stepErr *StepError) {
	if !step.CanEnter(state) {
		return state, nil
	}

	working := state.Clone()

	// A panicking phase is still contained to the step boundary.
	phase := "before"
	defer func() {
		if r := recover(); r != nil {
			next, stepErr = faulted(step, state, phase, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := step.Before(ctx, working); err != nil {
		return faulted(step, state, "before", err)
	}

	phase = "execute"
	if err := step.Execute(ctx, working); err != nil {
		return faulted(step, state, "execute", err)
	}

	phase = "after"
	if err := step.After(ctx, working); err != nil {
		return faulted(step, state, "after", err)
	}

	return working, nil
}

func faulted(step Step, state *State, phase string, err error) (*State, *StepError) {
	result := state.Clone()
	result.RecordFault(step.Name(), err.Error())
	return result, &StepError{Step: step.Name(), Phase: phase, Err: err}
}
