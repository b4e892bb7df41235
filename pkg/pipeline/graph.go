package pipeline

import (
	"fmt"

	inerrors "github.com/inletmail/inlet/pkg/errors"
)

// Graph is a compiled, immutable ordered sequence of steps. Compile once at
// process startup; every execution shares the same graph.
type Graph struct {
	steps  []Step
	byName map[string]int
}

// Compile validates the step sequence and builds the graph. Step names must
// be non-empty and unique.
func Compile(steps ...Step) (*Graph, error) {
	if len(steps) == 0 {
		return nil, fmt.Errorf("graph requires at least one step: %w", inerrors.ErrValidation)
	}

	byName := make(map[string]int, len(steps))
	for i, step := range steps {
		name := step.Name()
		if name == "" {
			return nil, fmt.Errorf("step at position %d has empty name: %w", i, inerrors.ErrValidation)
		}
		if _, exists := byName[name]; exists {
			return nil, fmt.Errorf("duplicate step name %q: %w", name, inerrors.ErrValidation)
		}
		byName[name] = i
	}

	return &Graph{steps: steps, byName: byName}, nil
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.steps) }

// Names returns the step names in execution order.
func (g *Graph) Names() []string {
	names := make([]string, len(g.steps))
	for i, step := range g.steps {
		names[i] = step.Name()
	}
	return names
}

// Index returns the position of the named step.
func (g *Graph) Index(name string) (int, bool) {
	i, ok := g.byName[name]
	return i, ok
}

// At returns the step at position i.
func (g *Graph) At(i int) Step { return g.steps[i] }

// Next returns the name of the step after the named one, or "" at the end.
func (g *Graph) Next(name string) (string, error) {
	i, ok := g.byName[name]
	if !ok {
		return "", fmt.Errorf("unknown step %q: %w", name, inerrors.ErrNotFound)
	}
	if i+1 >= len(g.steps) {
		return "", nil
	}
	return g.steps[i+1].Name(), nil
}

// First returns the name of the first step.
func (g *Graph) First() string { return g.steps[0].Name() }
