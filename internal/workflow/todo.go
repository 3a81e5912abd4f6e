// Package workflow sequences planning, execution, verification, and
// replanning for task-mode sessions. A session's work is an ordered
// TODO list whose dependencies form a DAG; items without a path between
// them may run in parallel, items on a path run in dependency order.
package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/catalog"
	"github.com/haasonsaas/conductor/internal/dispatch"
)

// Status is an item's position in its lifecycle. Done, failed, skipped,
// and blocked are terminal; no item leaves a terminal state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReplanning Status = "replanning"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusSkipped    Status = "skipped"
	StatusBlocked    Status = "blocked"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkipped, StatusBlocked:
		return true
	}
	return false
}

// Verification records the outcome of an item's verify stage.
type Verification struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason"`
}

// Item is one node of the TODO DAG. While in_progress it is owned
// exclusively by the goroutine running it; the engine reads it again
// only after the item reaches a terminal state.
type Item struct {
	ID           string             `json:"id"`
	Action       string             `json:"action"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Parallel     bool               `json:"parallel,omitempty"`
	Status       Status             `json:"status"`
	Attempts     int                `json:"attempts"`
	PlannedCalls []catalog.ToolCall `json:"planned_tool_calls,omitempty"`
	Results      []dispatch.Result  `json:"results,omitempty"`
	Verification *Verification      `json:"verification,omitempty"`
	FailureKind  string             `json:"failure_kind,omitempty"`
	StartedAt    time.Time          `json:"started_at,omitempty"`
	FinishedAt   time.Time          `json:"finished_at,omitempty"`
}

// Todo is a validated item list. Construction rejects duplicate ids,
// unknown dependency references, and cycles.
type Todo struct {
	items []*Item
	index map[string]*Item
}

// NewTodo validates items into a runnable DAG. Items arrive in plan
// order and keep it; ids are assigned when missing.
func NewTodo(items []Item) (*Todo, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("todo has no items")
	}
	t := &Todo{
		items: make([]*Item, len(items)),
		index: make(map[string]*Item, len(items)),
	}
	for i := range items {
		it := items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if strings.TrimSpace(it.Action) == "" {
			return nil, fmt.Errorf("item %s has no action", it.ID)
		}
		if _, dup := t.index[it.ID]; dup {
			return nil, fmt.Errorf("duplicate item id %s", it.ID)
		}
		it.Status = StatusPending
		t.items[i] = &it
		t.index[it.ID] = &it
	}
	for _, it := range t.items {
		for _, dep := range it.Dependencies {
			if dep == it.ID {
				return nil, fmt.Errorf("item %s depends on itself", it.ID)
			}
			if _, ok := t.index[dep]; !ok {
				return nil, fmt.Errorf("item %s depends on unknown item %s", it.ID, dep)
			}
		}
	}
	if chain := t.findCycle(); len(chain) > 0 {
		return nil, fmt.Errorf("dependency cycle: %s", strings.Join(chain, " -> "))
	}
	return t, nil
}

// findCycle walks the dependency edges depth-first and returns the
// offending chain, ending with the repeated id, or nil.
func (t *Todo) findCycle() []string {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(t.items))
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = grey
		path = append(path, id)
		for _, dep := range t.index[id].Dependencies {
			switch color[dep] {
			case grey:
				for i, seen := range path {
					if seen == dep {
						return append(append([]string{}, path[i:]...), dep)
					}
				}
			case white:
				if chain := visit(dep); chain != nil {
					return chain
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return nil
	}

	for _, it := range t.items {
		if color[it.ID] == white {
			if chain := visit(it.ID); chain != nil {
				return chain
			}
		}
	}
	return nil
}

// Items returns the items in plan order. Callers share the underlying
// values; the engine serializes access through its scheduler loop.
func (t *Todo) Items() []*Item { return t.items }

// Find returns the item with the given id.
func (t *Todo) Find(id string) (*Item, bool) {
	it, ok := t.index[id]
	return it, ok
}

// eligible reports whether every dependency is satisfied: done always
// counts, skipped counts only under the skipped-as-done policy.
func (t *Todo) eligible(it *Item, skippedAsDone bool) bool {
	for _, dep := range it.Dependencies {
		d := t.index[dep]
		if d.Status == StatusDone {
			continue
		}
		if skippedAsDone && d.Status == StatusSkipped {
			continue
		}
		return false
	}
	return true
}

// deadDep returns the id of a dependency that can never be satisfied:
// failed, blocked, or skipped when skipped does not count as done.
func (t *Todo) deadDep(it *Item, skippedAsDone bool) string {
	for _, dep := range it.Dependencies {
		switch t.index[dep].Status {
		case StatusFailed, StatusBlocked:
			return dep
		case StatusSkipped:
			if !skippedAsDone {
				return dep
			}
		}
	}
	return ""
}

// Settled reports whether every item is terminal.
func (t *Todo) Settled() bool {
	for _, it := range t.items {
		if !it.Status.Terminal() {
			return false
		}
	}
	return true
}

// StatusCounts tallies items by status.
func (t *Todo) StatusCounts() map[Status]int {
	counts := make(map[Status]int)
	for _, it := range t.items {
		counts[it.Status]++
	}
	return counts
}
