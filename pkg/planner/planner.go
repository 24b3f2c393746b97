// Package planner implements the Pipeline Planner (spec.md §4.F):
// topological layering of a validated pipeline into parallel "waves".
package planner

import (
	"fmt"
	"sort"

	"github.com/codeready-toolchain/agentcore/pkg/schema"
)

// Plan is the derived PipelinePlan of spec.md §3: an ordered list of
// levels, each a set of steps with no dependency among themselves.
type Plan struct {
	Levels [][]string
}

// ErrCycle is returned when planning cannot make progress because the
// remaining steps form a cycle. This is redundant with the
// Meta-Validator's own cycle check (spec.md §4.F) and serves as
// defense-in-depth.
type ErrCycle struct {
	Remaining []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("internal cycle: steps with unresolved dependencies: %v", e.Remaining)
}

// Plan computes the PipelinePlan for a validated pipeline using Kahn's
// algorithm: repeatedly collect all steps with in-degree 0 as the next
// level, decrement in-degree on their successors, and remove them.
// Within a level, steps are ordered lexicographically by name for
// stable, reproducible tests (spec.md §4.F tie-break rule).
func Plan(pipeline schema.PipelineDef) (*Plan, error) {
	inDegree := make(map[string]int, len(pipeline.Steps))
	successors := make(map[string][]string, len(pipeline.Steps))
	allSteps := make(map[string]bool, len(pipeline.Steps))

	for _, step := range pipeline.Steps {
		allSteps[step.Name] = true
		if _, ok := inDegree[step.Name]; !ok {
			inDegree[step.Name] = 0
		}
	}
	for _, step := range pipeline.Steps {
		for _, dep := range step.DependsOn {
			inDegree[step.Name]++
			successors[dep] = append(successors[dep], step.Name)
		}
	}

	remaining := len(allSteps)
	var levels [][]string

	for remaining > 0 {
		var ready []string
		for name := range allSteps {
			if inDegree[name] == 0 {
				ready = append(ready, name)
			}
		}
		if len(ready) == 0 {
			var stuck []string
			for name, deg := range inDegree {
				if deg > 0 {
					stuck = append(stuck, name)
				}
			}
			sort.Strings(stuck)
			return nil, &ErrCycle{Remaining: stuck}
		}
		sort.Strings(ready)
		levels = append(levels, ready)

		for _, name := range ready {
			delete(allSteps, name)
			inDegree[name] = -1 // removed sentinel, never re-selected
			remaining--
			for _, succ := range successors[name] {
				inDegree[succ]--
			}
		}
	}

	return &Plan{Levels: levels}, nil
}
