package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"successhub/engine/pkg/models"
)

// MemoryStore is a mutex-guarded in-memory Store used by tests and local
// development. Semantics mirror the postgres implementation, including the
// optimistic status predicate.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*models.Execution
	actions    map[string][]*models.WorkflowAction
	rules      map[string]*models.AutomationRule
	ruleOrder  []string
	dedupe     map[string]bool
	intents    map[string][]*models.NotificationIntent
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: map[string]*models.Execution{},
		actions:    map[string][]*models.WorkflowAction{},
		rules:      map[string]*models.AutomationRule{},
		dedupe:     map[string]bool{},
		intents:    map[string][]*models.NotificationIntent{},
	}
}

func (s *MemoryStore) CreateExecution(ctx context.Context, exec *models.Execution, action *models.WorkflowAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = exec.Clone()
	a := *action
	s.actions[exec.ID] = append(s.actions[exec.ID], &a)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*models.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, &NotFoundError{Entity: "execution", ID: id}
	}
	return exec.Clone(), nil
}

func (s *MemoryStore) UpdateExecutionWithAudit(ctx context.Context, exec *models.Execution, expected models.Status, action *models.WorkflowAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.executions[exec.ID]
	if !ok {
		return &NotFoundError{Entity: "execution", ID: exec.ID}
	}
	if stored.Status != expected {
		return &ConflictError{ExecutionID: exec.ID, Expected: string(expected)}
	}
	s.executions[exec.ID] = exec.Clone()
	a := *action
	s.actions[exec.ID] = append(s.actions[exec.ID], &a)
	return nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, f Filter) ([]*models.Execution, error) {
	s.mu.RLock()
	var matched []*models.Execution
	for _, exec := range s.executions {
		if matches(exec, f) {
			matched = append(matched, exec.Clone())
		}
	}
	s.mu.RUnlock()

	applyOrder(matched, f.Order)
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

func (s *MemoryStore) CountExecutions(ctx context.Context, f Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, exec := range s.executions {
		if matches(exec, f) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) ListActions(ctx context.Context, executionID string) ([]*models.WorkflowAction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.WorkflowAction, len(s.actions[executionID]))
	for i, a := range s.actions[executionID] {
		c := *a
		out[i] = &c
	}
	return out, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rule
	s.rules[rule.ID] = &r
	s.ruleOrder = append(s.ruleOrder, rule.ID)
	return nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rule, ok := s.rules[id]
	if !ok {
		return nil, &NotFoundError{Entity: "rule", ID: id}
	}
	r := *rule
	return &r, nil
}

func (s *MemoryStore) ListActiveRules(ctx context.Context) ([]*models.AutomationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.AutomationRule
	for _, id := range s.ruleOrder {
		if rule := s.rules[id]; rule.Active {
			r := *rule
			out = append(out, &r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ClaimDedupeKey(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupe[key] {
		return false, nil
	}
	s.dedupe[key] = true
	return true, nil
}

func (s *MemoryStore) ReleaseDedupeKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dedupe, key)
	return nil
}

func (s *MemoryStore) AppendNotificationIntent(ctx context.Context, intent *models.NotificationIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := *intent
	s.intents[intent.ExecutionID] = append(s.intents[intent.ExecutionID], &i)
	return nil
}

func (s *MemoryStore) ListNotificationIntents(ctx context.Context, executionID string) ([]*models.NotificationIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.NotificationIntent, len(s.intents[executionID]))
	for i, intent := range s.intents[executionID] {
		c := *intent
		out[i] = &c
	}
	return out, nil
}

func matches(e *models.Execution, f Filter) bool {
	if f.Owner != "" && e.Owner != f.Owner {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if e.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.EscalationTarget != "" {
		if e.EscalationTarget == nil || *e.EscalationTarget != f.EscalationTarget {
			return false
		}
	}
	if f.EscalatedFrom != "" {
		if e.EscalatedFrom == nil || *e.EscalatedFrom != f.EscalatedFrom {
			return false
		}
	}
	if f.SnoozeDueBefore != nil {
		if e.SnoozeUntil == nil || e.SnoozeUntil.After(*f.SnoozeDueBefore) {
			return false
		}
	}
	if f.InactiveSince != nil && e.LastActivityAt.After(*f.InactiveSince) {
		return false
	}
	return true
}

func applyOrder(execs []*models.Execution, order OrderBy) {
	tsOrZero := func(t *time.Time) time.Time {
		if t == nil {
			return time.Time{}
		}
		return *t
	}
	switch order {
	case OrderPriorityDesc:
		sort.SliceStable(execs, func(i, j int) bool {
			if execs[i].PriorityScore != execs[j].PriorityScore {
				return execs[i].PriorityScore > execs[j].PriorityScore
			}
			// oldest first for fairness
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		})
	case OrderSnoozeUntilAsc:
		sort.SliceStable(execs, func(i, j int) bool {
			return tsOrZero(execs[i].SnoozeUntil).Before(tsOrZero(execs[j].SnoozeUntil))
		})
	case OrderCompletedAtDesc:
		sort.SliceStable(execs, func(i, j int) bool {
			return tsOrZero(execs[i].CompletedAt).After(tsOrZero(execs[j].CompletedAt))
		})
	case OrderSkippedAtDesc:
		sort.SliceStable(execs, func(i, j int) bool {
			return tsOrZero(execs[i].SkippedAt).After(tsOrZero(execs[j].SkippedAt))
		})
	case OrderCreatedAtAsc:
		sort.SliceStable(execs, func(i, j int) bool {
			return execs[i].CreatedAt.Before(execs[j].CreatedAt)
		})
	}
}
