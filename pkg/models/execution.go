// Package models defines the domain models for the workflow engine.
package models

import (
	"time"
)

// Status represents the lifecycle state of a workflow execution.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusSnoozed    Status = "snoozed"
	StatusAbandoned  Status = "abandoned"
	StatusRejected   Status = "rejected"
	StatusLost       Status = "lost"
	StatusSkipped    Status = "skipped"
	StatusEscalated  Status = "escalated"
)

// Statuses lists every legal execution status.
var Statuses = []Status{
	StatusNotStarted,
	StatusInProgress,
	StatusCompleted,
	StatusSnoozed,
	StatusAbandoned,
	StatusRejected,
	StatusLost,
	StatusSkipped,
	StatusEscalated,
}

// ActionType identifies a requested transition on an execution.
type ActionType string

const (
	ActionStart    ActionType = "start"
	ActionAdvance  ActionType = "advance"
	ActionSnooze   ActionType = "snooze"
	ActionResume   ActionType = "resume"
	ActionSkip     ActionType = "skip"
	ActionEscalate ActionType = "escalate"
	ActionComplete ActionType = "complete"
	ActionReject   ActionType = "reject"
	ActionLose     ActionType = "lose"
	// ActionAbandon is applied by the inactivity sweep, never by callers.
	ActionAbandon ActionType = "abandon"
	// ActionInstantiate appears only in the audit trail, marking creation.
	ActionInstantiate ActionType = "instantiate"
)

// Execution represents one instantiated run of a workflow definition
// against a subject entity.
type Execution struct {
	ID           string `json:"id" db:"id"`
	DefinitionID string `json:"definition_id" db:"definition_id"`
	SubjectRef   string `json:"subject_ref" db:"subject_ref"`
	Owner        string `json:"owner" db:"owner"`
	Status       Status `json:"status" db:"status"`

	CurrentStepIndex int   `json:"current_step_index" db:"current_step_index"`
	CompletedSteps   []int `json:"completed_steps" db:"completed_steps"`

	PriorityScore float64 `json:"priority_score" db:"priority_score"`

	// Scoring inputs captured from the subject at instantiation time.
	ARR     float64 `json:"arr" db:"arr"`
	Plan    string  `json:"plan" db:"plan"`
	Urgency string  `json:"urgency" db:"urgency"`

	SnoozeUntil      *time.Time `json:"snooze_until,omitempty" db:"snooze_until"`
	EscalationTarget *string    `json:"escalation_target,omitempty" db:"escalation_target"`
	EscalatedFrom    *string    `json:"escalated_from,omitempty" db:"escalated_from"`

	// Variables accumulated by set_variable branch actions; merged into the
	// template context on every render.
	Variables map[string]any `json:"variables,omitempty" db:"variables"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`

	// Terminal timestamps; at most one is non-nil and only when Status
	// holds the corresponding value.
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	SnoozedAt   *time.Time `json:"snoozed_at,omitempty" db:"snoozed_at"`
	SkippedAt   *time.Time `json:"skipped_at,omitempty" db:"skipped_at"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty" db:"rejected_at"`
	LostAt      *time.Time `json:"lost_at,omitempty" db:"lost_at"`
	EscalatedAt *time.Time `json:"escalated_at,omitempty" db:"escalated_at"`
	AbandonedAt *time.Time `json:"abandoned_at,omitempty" db:"abandoned_at"`
}

// Clone returns a deep copy so callers can mutate a working copy without
// touching the stored record.
func (e *Execution) Clone() *Execution {
	c := *e
	if e.CompletedSteps != nil {
		c.CompletedSteps = append([]int(nil), e.CompletedSteps...)
	}
	if e.Variables != nil {
		c.Variables = make(map[string]any, len(e.Variables))
		for k, v := range e.Variables {
			c.Variables[k] = v
		}
	}
	copyTime := func(t *time.Time) *time.Time {
		if t == nil {
			return nil
		}
		v := *t
		return &v
	}
	copyStr := func(s *string) *string {
		if s == nil {
			return nil
		}
		v := *s
		return &v
	}
	c.SnoozeUntil = copyTime(e.SnoozeUntil)
	c.StartedAt = copyTime(e.StartedAt)
	c.CompletedAt = copyTime(e.CompletedAt)
	c.SnoozedAt = copyTime(e.SnoozedAt)
	c.SkippedAt = copyTime(e.SkippedAt)
	c.RejectedAt = copyTime(e.RejectedAt)
	c.LostAt = copyTime(e.LostAt)
	c.EscalatedAt = copyTime(e.EscalatedAt)
	c.AbandonedAt = copyTime(e.AbandonedAt)
	c.EscalationTarget = copyStr(e.EscalationTarget)
	c.EscalatedFrom = copyStr(e.EscalatedFrom)
	return &c
}

// WorkflowAction is the append-only audit record written alongside every
// status change. Never updated or deleted.
type WorkflowAction struct {
	ID             string         `json:"id" db:"id"`
	ExecutionID    string         `json:"execution_id" db:"execution_id"`
	ActorID        string         `json:"actor_id" db:"actor_id"`
	Action         ActionType     `json:"action" db:"action"`
	PreviousStatus Status         `json:"previous_status" db:"previous_status"`
	NewStatus      Status         `json:"new_status" db:"new_status"`
	Payload        map[string]any `json:"payload,omitempty" db:"payload"`
	Note           string         `json:"note,omitempty" db:"note"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
}

// NotificationIntent is emitted on transitions flagged for notification.
// An external dispatcher consumes these; the engine never sends anything.
type NotificationIntent struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Kind        string    `json:"kind" db:"kind"`
	Recipient   string    `json:"recipient" db:"recipient"`
	Message     string    `json:"message" db:"message"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
