package executor

import (
	"github.com/orbital/constel/internal/constellation"
)

// edgeState classifies an inbound edge against its predecessor's current
// status.
type edgeState int

const (
	edgeWaiting edgeState = iota // predecessor not terminal yet
	edgeSatisfied
	edgeUnsatisfiable // can never be satisfied; dependent must be cancelled
)

// evalEdge determines whether an edge is satisfied, still waiting, or
// permanently unsatisfiable.
func evalEdge(e constellation.TaskStarLine, pred *constellation.TaskStar) edgeState {
	if !pred.Status.Terminal() {
		return edgeWaiting
	}
	switch e.Kind {
	case constellation.EdgeUnconditional:
		return edgeSatisfied
	case constellation.EdgeSuccessOnly:
		if pred.Status == constellation.TaskCompleted {
			return edgeSatisfied
		}
		return edgeUnsatisfiable
	case constellation.EdgeCompletionOnly:
		if pred.Status == constellation.TaskCompleted || pred.Status == constellation.TaskFailed {
			return edgeSatisfied
		}
		return edgeUnsatisfiable
	case constellation.EdgeConditional:
		if e.Condition != nil && e.Condition(pred.Result) {
			return edgeSatisfied
		}
		return edgeUnsatisfiable
	}
	return edgeUnsatisfiable
}

// evalInbound folds all inbound edges of a task: the task is ready only
// when every edge is satisfied, and doomed as soon as any edge is
// permanently unsatisfiable.
func evalInbound(c *constellation.TaskConstellation, taskID string) edgeState {
	state := edgeSatisfied
	for _, e := range c.InboundEdges(taskID) {
		pred, ok := c.Tasks[e.FromTaskID]
		if !ok {
			return edgeUnsatisfiable
		}
		switch evalEdge(e, pred) {
		case edgeUnsatisfiable:
			return edgeUnsatisfiable
		case edgeWaiting:
			state = edgeWaiting
		}
	}
	return state
}
