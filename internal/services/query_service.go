package services

import (
	"context"
	"errors"
	"time"

	"successhub/engine/internal/logging"
	"successhub/engine/internal/repository"
	"successhub/engine/pkg/models"
)

// QueryService provides the read-only named views over executions that
// back operator dashboards. It never mutates; idempotent reads are retried
// once on transient storage failures.
type QueryService struct {
	store  repository.Store
	logger *logging.Logger
}

// NewQueryService creates a QueryService.
func NewQueryService(store repository.Store, logger *logging.Logger) *QueryService {
	return &QueryService{store: store, logger: logger}
}

// Counts summarizes an owner's worklist for dashboards.
type Counts struct {
	Active        int `json:"active"`
	SnoozedDue    int `json:"snoozed_due"`
	Snoozed       int `json:"snoozed"`
	EscalatedToMe int `json:"escalated_to_me"`
	EscalatedByMe int `json:"escalated_by_me"`
	Completed     int `json:"completed"`
	Skipped       int `json:"skipped"`
}

// Active returns the owner's worklist: not started or in progress, highest
// priority first, ties broken oldest first for fairness.
func (s *QueryService) Active(ctx context.Context, owner string) ([]*models.Execution, error) {
	return s.list(ctx, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{models.StatusNotStarted, models.StatusInProgress},
		Order:    repository.OrderPriorityDesc,
	})
}

// SnoozedDue returns the owner's snoozed executions whose snooze_until has
// passed as of now.
func (s *QueryService) SnoozedDue(ctx context.Context, owner string, now time.Time) ([]*models.Execution, error) {
	return s.list(ctx, repository.Filter{
		Owner:           owner,
		Statuses:        []models.Status{models.StatusSnoozed},
		SnoozeDueBefore: &now,
		Order:           repository.OrderSnoozeUntilAsc,
	})
}

// Snoozed returns all of the owner's snoozed executions, soonest due first.
func (s *QueryService) Snoozed(ctx context.Context, owner string) ([]*models.Execution, error) {
	return s.list(ctx, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{models.StatusSnoozed},
		Order:    repository.OrderSnoozeUntilAsc,
	})
}

// EscalatedToMe returns executions escalated to userID.
func (s *QueryService) EscalatedToMe(ctx context.Context, userID string) ([]*models.Execution, error) {
	return s.list(ctx, repository.Filter{
		EscalationTarget: userID,
		Statuses:         []models.Status{models.StatusEscalated},
		Order:            repository.OrderCreatedAtAsc,
	})
}

// EscalatedByMe returns executions userID escalated away. Monitoring only:
// this user no longer owns them and cannot act on them.
func (s *QueryService) EscalatedByMe(ctx context.Context, userID string) ([]*models.Execution, error) {
	return s.list(ctx, repository.Filter{
		EscalatedFrom: userID,
		Statuses:      []models.Status{models.StatusEscalated},
		Order:         repository.OrderCreatedAtAsc,
	})
}

// History returns the owner's completed or skipped executions, most recent
// terminal timestamp first, bounded by limit.
func (s *QueryService) History(ctx context.Context, owner string, status models.Status, limit int) ([]*models.Execution, error) {
	var order repository.OrderBy
	switch status {
	case models.StatusCompleted:
		order = repository.OrderCompletedAtDesc
	case models.StatusSkipped:
		order = repository.OrderSkippedAtDesc
	default:
		return nil, &ValidationError{Field: "status", Reason: "history supports completed or skipped"}
	}
	return s.list(ctx, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{status},
		Order:    order,
		Limit:    limit,
	})
}

// CountsFor computes the dashboard counts for owner in parallel categories.
func (s *QueryService) CountsFor(ctx context.Context, owner string, now time.Time) (*Counts, error) {
	var c Counts
	var err error

	count := func(dst *int, f repository.Filter) {
		if err != nil {
			return
		}
		*dst, err = s.count(ctx, f)
	}

	count(&c.Active, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{models.StatusNotStarted, models.StatusInProgress},
	})
	count(&c.SnoozedDue, repository.Filter{
		Owner:           owner,
		Statuses:        []models.Status{models.StatusSnoozed},
		SnoozeDueBefore: &now,
	})
	count(&c.Snoozed, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{models.StatusSnoozed},
	})
	count(&c.EscalatedToMe, repository.Filter{
		EscalationTarget: owner,
		Statuses:         []models.Status{models.StatusEscalated},
	})
	count(&c.EscalatedByMe, repository.Filter{
		EscalatedFrom: owner,
		Statuses:      []models.Status{models.StatusEscalated},
	})
	count(&c.Completed, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{models.StatusCompleted},
	})
	count(&c.Skipped, repository.Filter{
		Owner:    owner,
		Statuses: []models.Status{models.StatusSkipped},
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *QueryService) list(ctx context.Context, f repository.Filter) ([]*models.Execution, error) {
	out, err := s.store.ListExecutions(ctx, f)
	if isTransient(err) {
		s.logger.Warn("retrying execution listing after transient failure", "error", err)
		out, err = s.store.ListExecutions(ctx, f)
	}
	return out, err
}

func (s *QueryService) count(ctx context.Context, f repository.Filter) (int, error) {
	n, err := s.store.CountExecutions(ctx, f)
	if isTransient(err) {
		s.logger.Warn("retrying execution count after transient failure", "error", err)
		n, err = s.store.CountExecutions(ctx, f)
	}
	return n, err
}

func isTransient(err error) bool {
	var se *repository.StorageError
	return errors.As(err, &se)
}
