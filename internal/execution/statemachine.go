// Package execution holds the transition-legality table for workflow
// executions. All mutation paths consult this table before touching state.
package execution

import (
	"fmt"
	"time"

	"successhub/engine/pkg/models"
)

// InvalidTransitionError reports an action that is illegal from the
// execution's current status. The execution is never mutated.
type InvalidTransitionError struct {
	Action models.ActionType
	From   models.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("action %q is not allowed while status is %q", e.Action, e.From)
}

type transition struct {
	from map[models.Status]bool
	to   models.Status
}

func sources(ss ...models.Status) map[models.Status]bool {
	m := make(map[models.Status]bool, len(ss))
	for _, s := range ss {
		m[s] = true
	}
	return m
}

var table = map[models.ActionType]transition{
	models.ActionStart: {
		from: sources(models.StatusNotStarted),
		to:   models.StatusInProgress,
	},
	models.ActionAdvance: {
		from: sources(models.StatusInProgress),
		to:   models.StatusInProgress, // completed when on the last step
	},
	models.ActionSnooze: {
		from: sources(models.StatusNotStarted, models.StatusInProgress, models.StatusEscalated),
		to:   models.StatusSnoozed,
	},
	models.ActionResume: {
		from: sources(models.StatusSnoozed),
		to:   models.StatusInProgress,
	},
	models.ActionSkip: {
		from: sources(models.StatusNotStarted, models.StatusInProgress, models.StatusSnoozed, models.StatusEscalated),
		to:   models.StatusSkipped,
	},
	models.ActionEscalate: {
		from: sources(models.StatusNotStarted, models.StatusInProgress),
		to:   models.StatusEscalated,
	},
	models.ActionComplete: {
		from: sources(models.StatusInProgress),
		to:   models.StatusCompleted,
	},
	models.ActionReject: {
		from: sources(models.StatusInProgress),
		to:   models.StatusRejected,
	},
	models.ActionLose: {
		from: sources(models.StatusInProgress),
		to:   models.StatusLost,
	},
	models.ActionAbandon: {
		from: sources(models.StatusInProgress, models.StatusNotStarted),
		to:   models.StatusAbandoned,
	},
}

// Actions lists every action the table knows about.
var Actions = []models.ActionType{
	models.ActionStart,
	models.ActionAdvance,
	models.ActionSnooze,
	models.ActionResume,
	models.ActionSkip,
	models.ActionEscalate,
	models.ActionComplete,
	models.ActionReject,
	models.ActionLose,
	models.ActionAbandon,
}

// Next returns the destination status for applying action from current.
// onLastStep selects the advance destination: advancing past the final
// step completes the execution. Any (action, status) pair outside the
// table returns an InvalidTransitionError.
func Next(current models.Status, action models.ActionType, onLastStep bool) (models.Status, error) {
	t, ok := table[action]
	if !ok || !t.from[current] {
		return "", &InvalidTransitionError{Action: action, From: current}
	}
	if action == models.ActionAdvance && onLastStep {
		return models.StatusCompleted, nil
	}
	return t.to, nil
}

// Allowed reports whether action is legal from current without resolving
// the destination.
func Allowed(current models.Status, action models.ActionType) bool {
	t, ok := table[action]
	return ok && t.from[current]
}

// IsTerminal reports whether no further caller actions are accepted from s.
// Snoozed executions can resume, so snoozed and escalated are not terminal
// here even though they are off the active list.
func IsTerminal(s models.Status) bool {
	switch s {
	case models.StatusCompleted, models.StatusAbandoned, models.StatusRejected,
		models.StatusLost, models.StatusSkipped:
		return true
	default:
		return false
	}
}

// StampStatus applies the terminal-timestamp invariant: clears every
// status timestamp, then sets the one matching the new status, if any.
func StampStatus(e *models.Execution, s models.Status, now time.Time) {
	e.CompletedAt = nil
	e.SnoozedAt = nil
	e.SkippedAt = nil
	e.RejectedAt = nil
	e.LostAt = nil
	e.EscalatedAt = nil
	e.AbandonedAt = nil
	ts := now
	switch s {
	case models.StatusCompleted:
		e.CompletedAt = &ts
	case models.StatusSnoozed:
		e.SnoozedAt = &ts
	case models.StatusSkipped:
		e.SkippedAt = &ts
	case models.StatusRejected:
		e.RejectedAt = &ts
	case models.StatusLost:
		e.LostAt = &ts
	case models.StatusEscalated:
		e.EscalatedAt = &ts
	case models.StatusAbandoned:
		e.AbandonedAt = &ts
	}
}
