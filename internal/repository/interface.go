// Package repository is the persistence collaborator: per-entity CRUD plus
// the transactional multi-write the action service uses to keep an
// execution and its audit record in lockstep.
package repository

import (
	"context"
	"time"

	"successhub/engine/pkg/models"
)

// OrderBy selects the ordering of a filtered execution listing.
type OrderBy string

const (
	OrderPriorityDesc    OrderBy = "priority_desc"     // tie-break created_at ASC
	OrderSnoozeUntilAsc  OrderBy = "snooze_until_asc"
	OrderCompletedAtDesc OrderBy = "completed_at_desc"
	OrderSkippedAtDesc   OrderBy = "skipped_at_desc"
	OrderCreatedAtAsc    OrderBy = "created_at_asc"
)

// Filter narrows an execution listing. Zero-valued fields are ignored.
type Filter struct {
	Owner            string
	Statuses         []models.Status
	EscalationTarget string
	EscalatedFrom    string
	SnoozeDueBefore  *time.Time
	InactiveSince    *time.Time
	Order            OrderBy
	Limit            int
}

// Store is the abstract record store the engine writes through. The
// postgres implementation backs production; the in-memory one backs tests
// and local development.
type Store interface {
	// CreateExecution atomically inserts a new execution and its creation
	// audit record.
	CreateExecution(ctx context.Context, exec *models.Execution, action *models.WorkflowAction) error

	// GetExecution returns the execution by id, or NotFoundError.
	GetExecution(ctx context.Context, id string) (*models.Execution, error)

	// UpdateExecutionWithAudit atomically writes the mutated execution and
	// appends its audit record, but only while the stored status still
	// equals expected; otherwise it fails with ConflictError and writes
	// nothing.
	UpdateExecutionWithAudit(ctx context.Context, exec *models.Execution, expected models.Status, action *models.WorkflowAction) error

	// ListExecutions returns executions matching the filter, ordered.
	ListExecutions(ctx context.Context, f Filter) ([]*models.Execution, error)

	// CountExecutions returns the number of executions matching the filter.
	CountExecutions(ctx context.Context, f Filter) (int, error)

	// ListActions returns an execution's audit records in append order.
	ListActions(ctx context.Context, executionID string) ([]*models.WorkflowAction, error)

	// Automation rules.
	CreateRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, id string) (*models.AutomationRule, error)
	ListActiveRules(ctx context.Context) ([]*models.AutomationRule, error)

	// ClaimDedupeKey records key if unseen, returning true; a second claim
	// of the same key returns false.
	ClaimDedupeKey(ctx context.Context, key string) (bool, error)
	// ReleaseDedupeKey forgets a claimed key so a later delivery can claim
	// it again. Used when the work behind a claim could not be done.
	ReleaseDedupeKey(ctx context.Context, key string) error

	// Notification intents for the external dispatcher.
	AppendNotificationIntent(ctx context.Context, intent *models.NotificationIntent) error
	ListNotificationIntents(ctx context.Context, executionID string) ([]*models.NotificationIntent, error)
}
