package plan

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnresolvableDependencies = errors.New("plan has unresolvable dependencies")
	ErrDuplicateStep            = errors.New("duplicate step id")
)

// Level is a group of steps whose dependencies all sit in earlier levels.
type Level []*Step

// DependencyError reports steps that can never become ready, either because
// they take part in a cycle or because they depend on ids missing from the plan.
type DependencyError struct {
	Stuck    []string
	Dangling map[string][]string
}

func (e *DependencyError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrUnresolvableDependencies.Error())
	fmt.Fprintf(&sb, ": stuck steps [%s]", strings.Join(e.Stuck, ", "))
	if len(e.Dangling) > 0 {
		ids := make([]string, 0, len(e.Dangling))
		for id := range e.Dangling {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		sb.WriteString("; unknown dependencies:")
		for _, id := range ids {
			fmt.Fprintf(&sb, " %s -> [%s]", id, strings.Join(e.Dangling[id], ", "))
		}
	} else {
		sb.WriteString(" (dependency cycle)")
	}
	return sb.String()
}

func (e *DependencyError) Unwrap() error { return ErrUnresolvableDependencies }

// Levelize groups steps into levels. Every pass collects the steps whose
// dependencies are all in earlier levels; order inside a level follows the
// input. A pass that finds nothing while steps remain means a cycle or a
// dangling dependency, and the whole plan is rejected.
func Levelize(steps []*Step) ([]Level, error) {
	known := make(map[string]bool, len(steps))
	for _, s := range steps {
		if known[s.ID] {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateStep, s.ID)
		}
		known[s.ID] = true
	}

	done := make(map[string]bool, len(steps))
	remaining := steps
	var levels []Level
	for len(remaining) > 0 {
		var level Level
		var blocked []*Step
		for _, s := range remaining {
			if dependenciesDone(s, done) {
				level = append(level, s)
			} else {
				blocked = append(blocked, s)
			}
		}
		if len(level) == 0 {
			return nil, newDependencyError(blocked, known)
		}
		for _, s := range level {
			done[s.ID] = true
		}
		levels = append(levels, level)
		remaining = blocked
	}
	return levels, nil
}

func dependenciesDone(s *Step, done map[string]bool) bool {
	for _, dep := range s.DependsOn {
		if !done[dep] {
			return false
		}
	}
	return true
}

func newDependencyError(blocked []*Step, known map[string]bool) *DependencyError {
	e := &DependencyError{}
	for _, s := range blocked {
		e.Stuck = append(e.Stuck, s.ID)
		for _, dep := range s.DependsOn {
			if !known[dep] {
				if e.Dangling == nil {
					e.Dangling = make(map[string][]string)
				}
				e.Dangling[s.ID] = append(e.Dangling[s.ID], dep)
			}
		}
	}
	return e
}
