package constellation

import (
	"errors"
	"fmt"
)

// ErrInvalidConstellation wraps all submission-time validation failures.
var ErrInvalidConstellation = errors.New("invalid constellation")

// Validate checks a constellation at submission time: non-empty IDs, edge
// endpoints that exist, conditional edges with predicates, and an acyclic
// edge graph. It has no side effects.
func Validate(c *TaskConstellation) error {
	if c.ConstellationID == "" {
		return fmt.Errorf("%w: constellation_id must be non-empty", ErrInvalidConstellation)
	}
	for id, task := range c.Tasks {
		if id == "" || task == nil || task.TaskID == "" {
			return fmt.Errorf("%w: empty task_id", ErrInvalidConstellation)
		}
		if task.TaskID != id {
			return fmt.Errorf("%w: task keyed %q carries task_id %q", ErrInvalidConstellation, id, task.TaskID)
		}
		if task.MaxAttempts < 0 {
			return fmt.Errorf("%w: task %q has negative max_attempts", ErrInvalidConstellation, id)
		}
	}
	for _, e := range c.Edges {
		if _, ok := c.Tasks[e.FromTaskID]; !ok {
			return fmt.Errorf("%w: edge references unknown task %q", ErrInvalidConstellation, e.FromTaskID)
		}
		if _, ok := c.Tasks[e.ToTaskID]; !ok {
			return fmt.Errorf("%w: edge references unknown task %q", ErrInvalidConstellation, e.ToTaskID)
		}
		if e.FromTaskID == e.ToTaskID {
			return fmt.Errorf("%w: self-edge on task %q", ErrInvalidConstellation, e.FromTaskID)
		}
		switch e.Kind {
		case EdgeUnconditional, EdgeSuccessOnly, EdgeCompletionOnly:
		case EdgeConditional:
			if e.Condition == nil {
				return fmt.Errorf("%w: conditional edge %s->%s has no predicate",
					ErrInvalidConstellation, e.FromTaskID, e.ToTaskID)
			}
		default:
			return fmt.Errorf("%w: unknown edge kind %q", ErrInvalidConstellation, e.Kind)
		}
	}
	if _, err := TopoWaves(c); err != nil {
		return err
	}
	return nil
}

// TopoWaves performs a topological sort over the edge graph, returning task
// IDs grouped into waves: tasks with no unprocessed predecessors form wave
// 0, and so on. A cycle yields ErrInvalidConstellation.
func TopoWaves(c *TaskConstellation) ([][]string, error) {
	dependents := make(map[string][]string, len(c.Tasks))
	inDegree := make(map[string]int, len(c.Tasks))
	for id := range c.Tasks {
		inDegree[id] = 0
	}
	for _, e := range c.Edges {
		dependents[e.FromTaskID] = append(dependents[e.FromTaskID], e.ToTaskID)
		inDegree[e.ToTaskID]++
	}

	processed := make(map[string]bool, len(c.Tasks))
	var waves [][]string
	for len(processed) < len(c.Tasks) {
		var wave []string
		for id := range c.Tasks {
			if processed[id] || inDegree[id] != 0 {
				continue
			}
			wave = append(wave, id)
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("%w: dependency cycle", ErrInvalidConstellation)
		}
		for _, id := range wave {
			processed[id] = true
			for _, dep := range dependents[id] {
				inDegree[dep]--
			}
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// InitStatuses sets the initial task statuses: roots PENDING, everything
// with an inbound edge WAITING_DEPENDENCY, and marks the constellation
// READY.
func InitStatuses(c *TaskConstellation) {
	hasInbound := make(map[string]bool, len(c.Tasks))
	for _, e := range c.Edges {
		hasInbound[e.ToTaskID] = true
	}
	for id, task := range c.Tasks {
		if hasInbound[id] {
			task.Status = TaskWaitingDependency
		} else {
			task.Status = TaskPending
		}
	}
	c.State = StateReady
}
