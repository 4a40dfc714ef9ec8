package pipeline

import (
	"context"
	"fmt"
)

// ErrorPolicy decides what a stage failure does to the rest of the run.
type ErrorPolicy int

const (
	// FailFast aborts the run on the first error from this stage.
	FailFast ErrorPolicy = iota

	// ContinueOnError records the failure, skips dependents, and lets
	// independent stages proceed. The run finishes as partial.
	ContinueOnError

	// BestEffort logs the failure and treats the stage as succeeded.
	BestEffort
)

func (p ErrorPolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case ContinueOnError:
		return "continue_on_error"
	case BestEffort:
		return "best_effort"
	}
	return "unknown"
}

// Stage is one unit of pipeline work. Run receives the shared run
// context and reports progress through it.
type Stage struct {
	Name      string
	DependsOn []string
	Policy    ErrorPolicy
	Run       func(ctx context.Context, rc *RunContext) error
}

// Pipeline is a named DAG of stages. Stages execute in dependency
// order, sequentially.
type Pipeline struct {
	Name   string
	Stages []Stage
}

// topoSort orders stages so every stage runs after its dependencies.
// Returns an error on unknown dependencies or cycles.
func topoSort(stages []Stage) ([]Stage, error) {
	byName := make(map[string]*Stage, len(stages))
	for i := range stages {
		s := &stages[i]
		if _, dup := byName[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stage %q", s.Name)
		}
		byName[s.Name] = s
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(stages))
	ordered := make([]Stage, 0, len(stages))

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle through stage %q", name)
		}
		state[name] = visiting
		s, ok := byName[name]
		if !ok {
			return fmt.Errorf("unknown stage dependency %q", name)
		}
		for _, dep := range s.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		ordered = append(ordered, *s)
		return nil
	}

	// Iterate in declaration order so independent stages keep their
	// registration order.
	for i := range stages {
		if err := visit(stages[i].Name); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
