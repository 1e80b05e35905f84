// Package services holds the engine's write path (action/audit), read
// views, automation rule matching, and the inactivity sweep.
package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	"successhub/engine/internal/execution"
	"successhub/engine/internal/logging"
	"successhub/engine/internal/registry"
	"successhub/engine/internal/repository"
	"successhub/engine/internal/scoring"
	"successhub/engine/internal/template"
	"successhub/engine/pkg/models"
)

// ActionPayload carries the action-specific inputs for Apply.
type ActionPayload struct {
	Reason      string         `json:"reason,omitempty"`
	Note        string         `json:"note,omitempty"`
	SnoozeUntil *time.Time     `json:"snooze_until,omitempty"`
	EscalateTo  string         `json:"escalate_to,omitempty"`
	Trigger     string         `json:"trigger,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// ApplyResult is the outcome of a successful action: the updated execution
// plus, for advances, the resolved branch response text.
type ApplyResult struct {
	Execution *models.Execution  `json:"execution"`
	Response  string             `json:"response,omitempty"`
	Warnings  []template.Warning `json:"-"`
}

// ActionService is the only write path onto an execution. Every call
// validates against the transition table, applies side effects, and
// appends exactly one audit record, atomically with the status change.
type ActionService struct {
	store    repository.Store
	registry *registry.Registry
	logger   *logging.Logger
	now      func() time.Time
}

// NewActionService creates an ActionService.
func NewActionService(store repository.Store, reg *registry.Registry, logger *logging.Logger) *ActionService {
	return &ActionService{
		store:    store,
		registry: reg,
		logger:   logger,
		now:      time.Now,
	}
}

// Instantiate creates a not_started execution of definitionID against
// subjectRef, capturing scoring inputs from the template context.
func (s *ActionService) Instantiate(ctx context.Context, definitionID, subjectRef, owner string, tmplCtx map[string]any) (*models.Execution, error) {
	if _, err := s.registry.Get(definitionID); err != nil {
		return nil, &ValidationError{Field: "definition_id", Reason: err.Error()}
	}
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "owner is required"}
	}
	if subjectRef == "" {
		return nil, &ValidationError{Field: "subject_ref", Reason: "subject reference is required"}
	}

	now := s.now()
	exec := &models.Execution{
		ID:             uuid.New().String(),
		DefinitionID:   definitionID,
		SubjectRef:     subjectRef,
		Owner:          owner,
		Status:         models.StatusNotStarted,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	exec.ARR, exec.Plan, exec.Urgency = factorInputs(tmplCtx, now)
	if len(tmplCtx) > 0 {
		exec.Variables = map[string]any{}
		for k, v := range tmplCtx {
			exec.Variables[k] = v
		}
	}
	if err := s.rescore(ctx, exec); err != nil {
		return nil, err
	}

	action := &models.WorkflowAction{
		ID:             uuid.New().String(),
		ExecutionID:    exec.ID,
		ActorID:        owner,
		Action:         models.ActionInstantiate,
		PreviousStatus: models.StatusNotStarted,
		NewStatus:      models.StatusNotStarted,
		CreatedAt:      now,
	}
	if err := s.store.CreateExecution(ctx, exec, action); err != nil {
		return nil, err
	}
	s.logger.Info("execution instantiated", "execution_id", exec.ID, "definition_id", definitionID, "owner", owner)
	return exec, nil
}

// Apply validates and performs one transition on an execution, appending
// its audit record in the same transactional write. Illegal transitions
// and malformed payloads are rejected before any mutation. Abandon is not
// a caller action: only the inactivity sweep may apply it, through its own
// entry point.
func (s *ActionService) Apply(ctx context.Context, executionID, actorID string, action models.ActionType, payload ActionPayload) (*ApplyResult, error) {
	if action == models.ActionAbandon {
		return nil, &ValidationError{Field: "action", Reason: "abandon is applied by the inactivity policy, not by callers"}
	}
	return s.apply(ctx, executionID, actorID, action, payload)
}

func (s *ActionService) apply(ctx context.Context, executionID, actorID string, action models.ActionType, payload ActionPayload) (*ApplyResult, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	stepCount, err := s.registry.StepCount(exec.DefinitionID)
	if err != nil {
		return nil, &ValidationError{Field: "definition_id", Reason: err.Error()}
	}
	onLastStep := exec.CurrentStepIndex >= stepCount-1

	next, err := execution.Next(exec.Status, action, onLastStep)
	if err != nil {
		return nil, err
	}
	if err := s.validatePayload(exec, action, payload); err != nil {
		return nil, err
	}

	expected := exec.Status
	now := s.now()
	work := exec.Clone()
	result := &ApplyResult{}

	switch action {
	case models.ActionStart:
		started := now
		work.StartedAt = &started
	case models.ActionAdvance:
		next = s.applyBranch(work, payload, next, onLastStep, result)
	case models.ActionSnooze:
		until := *payload.SnoozeUntil
		work.SnoozeUntil = &until
	case models.ActionResume:
		work.SnoozeUntil = nil
		// current_step_index is untouched: resuming re-enters exactly
		// where the execution left off
	case models.ActionEscalate:
		prior := work.Owner
		work.EscalatedFrom = &prior
		target := payload.EscalateTo
		work.EscalationTarget = &target
		work.Owner = target
	}

	work.Status = next
	work.LastActivityAt = now
	execution.StampStatus(work, next, now)
	if err := s.rescore(ctx, work); err != nil {
		return nil, err
	}

	audit := &models.WorkflowAction{
		ID:             uuid.New().String(),
		ExecutionID:    work.ID,
		ActorID:        actorID,
		Action:         action,
		PreviousStatus: expected,
		NewStatus:      next,
		Payload:        payloadMap(payload),
		Note:           payload.Note,
		CreatedAt:      now,
	}
	if err := s.store.UpdateExecutionWithAudit(ctx, work, expected, audit); err != nil {
		return nil, err
	}

	s.emitIntents(ctx, work, action, next, now)

	s.logger.Info("action applied", "execution_id", work.ID, "action", action,
		"from", expected, "to", next, "actor", actorID)
	result.Execution = work
	return result, nil
}

// applyBranch resolves the current step's branch for the advance trigger
// and applies its structural actions. Returns the (possibly overridden)
// destination status.
func (s *ActionService) applyBranch(work *models.Execution, payload ActionPayload, next models.Status, onLastStep bool, result *ApplyResult) models.Status {
	step, err := s.registry.GetStep(work.DefinitionID, work.CurrentStepIndex)
	if err != nil {
		// definition changed underneath a running execution; advance
		// without branch semantics
		s.logger.Warn("step lookup failed during advance", "execution_id", work.ID, "error", err)
		return next
	}

	branch := s.registry.ResolveBranch(step, payload.Trigger)
	tmplCtx := s.renderContext(work, payload)

	response, warnings := template.Resolve(branch.Response, tmplCtx)
	result.Response = response
	result.Warnings = warnings
	for _, w := range warnings {
		s.logger.Warn("branch response resolution", "execution_id", work.ID, "warning", w.Error())
	}

	dest := work.Status // in_progress; only branch actions move the execution
	for _, ba := range branch.Actions {
		switch ba.Type {
		case models.BranchSetVariable:
			value, _ := template.Resolve(ba.Value, tmplCtx)
			if work.Variables == nil {
				work.Variables = map[string]any{}
			}
			work.Variables[ba.Key] = value
		case models.BranchAdvanceStep:
			work.CompletedSteps = appendStep(work.CompletedSteps, work.CurrentStepIndex)
			if onLastStep {
				dest = models.StatusCompleted
			} else {
				work.CurrentStepIndex++
			}
		case models.BranchCompleteWorkflow:
			work.CompletedSteps = appendStep(work.CompletedSteps, work.CurrentStepIndex)
			dest = models.StatusCompleted
		case models.BranchNoop:
		}
	}
	return dest
}

// RenderStep resolves the execution's current step configuration against
// the caller context merged with the execution's accumulated variables.
func (s *ActionService) RenderStep(ctx context.Context, executionID string, tmplCtx map[string]any) (map[string]any, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	merged := s.renderContext(exec, ActionPayload{Context: tmplCtx})
	rendered, warnings := s.registry.RenderStep(exec.DefinitionID, exec.CurrentStepIndex, merged)
	for _, w := range warnings {
		s.logger.Warn("step render", "execution_id", executionID, "warning", w.Error())
	}
	return rendered, nil
}

func (s *ActionService) renderContext(exec *models.Execution, payload ActionPayload) map[string]any {
	merged := make(map[string]any, len(payload.Context)+len(exec.Variables)+1)
	for k, v := range exec.Variables {
		merged[k] = v
	}
	for k, v := range payload.Context {
		merged[k] = v
	}
	merged["execution"] = map[string]any{
		"id":          exec.ID,
		"owner":       exec.Owner,
		"subject_ref": exec.SubjectRef,
		"step_index":  exec.CurrentStepIndex,
	}
	return merged
}

func (s *ActionService) validatePayload(exec *models.Execution, action models.ActionType, payload ActionPayload) error {
	switch action {
	case models.ActionSkip:
		if payload.Reason == "" {
			return &ValidationError{Field: "reason", Reason: "skip requires a reason"}
		}
	case models.ActionSnooze:
		if payload.SnoozeUntil == nil {
			return &ValidationError{Field: "snooze_until", Reason: "snooze requires a timestamp"}
		}
		if !payload.SnoozeUntil.After(s.now()) {
			return &ValidationError{Field: "snooze_until", Reason: "snooze timestamp must be in the future"}
		}
	case models.ActionEscalate:
		if payload.EscalateTo == "" {
			return &ValidationError{Field: "escalate_to", Reason: "escalate requires a target owner"}
		}
		if payload.EscalateTo == exec.Owner {
			return &ValidationError{Field: "escalate_to", Reason: "cannot escalate to the current owner"}
		}
	}
	return nil
}

// rescore recomputes the priority score from the execution's current
// factor inputs and the owner's active workload. The score is never set
// directly.
func (s *ActionService) rescore(ctx context.Context, exec *models.Execution) error {
	workload, err := s.store.CountExecutions(ctx, repository.Filter{
		Owner:    exec.Owner,
		Statuses: []models.Status{models.StatusNotStarted, models.StatusInProgress},
	})
	if err != nil {
		return err
	}
	exec.PriorityScore = scoring.Score(scoring.Factors{
		ARR:            exec.ARR,
		Plan:           scoring.Plan(exec.Plan),
		Urgency:        scoring.Urgency(exec.Urgency),
		ActiveWorkload: workload,
	})
	return nil
}

// emitIntents appends notification-intent records on flagged transitions.
// Delivery belongs to an external dispatcher; a failure here is logged,
// not fatal, since the transition is already committed.
func (s *ActionService) emitIntents(ctx context.Context, exec *models.Execution, action models.ActionType, next models.Status, now time.Time) {
	var intent *models.NotificationIntent
	switch {
	case action == models.ActionEscalate:
		intent = &models.NotificationIntent{
			Kind:      "escalated",
			Recipient: exec.Owner, // the escalation target after reassignment
			Message:   "A workflow was escalated to you",
		}
	case next == models.StatusCompleted:
		intent = &models.NotificationIntent{
			Kind:      "completed",
			Recipient: exec.Owner,
			Message:   "A workflow was completed",
		}
	default:
		return
	}
	intent.ID = uuid.New().String()
	intent.ExecutionID = exec.ID
	intent.CreatedAt = now
	if err := s.store.AppendNotificationIntent(ctx, intent); err != nil {
		s.logger.Error("appending notification intent", "execution_id", exec.ID, "error", err)
	}
}

func factorInputs(tmplCtx map[string]any, now time.Time) (arr float64, plan, urgency string) {
	if v, ok := template.Lookup("customer.arr", tmplCtx); ok {
		if n, ok := toFloat(v); ok {
			arr = n
		}
	}
	if v, ok := template.Lookup("customer.plan", tmplCtx); ok {
		if s, ok := v.(string); ok {
			plan = s
		}
	}
	var deadline time.Time
	if v, ok := template.Lookup("renewal.date", tmplCtx); ok {
		if s, ok := v.(string); ok {
			for _, layout := range []string{time.RFC3339, "2006-01-02"} {
				if t, err := time.Parse(layout, s); err == nil {
					deadline = t
					break
				}
			}
		}
	}
	riskOpen := false
	if v, ok := template.Lookup("risk.open", tmplCtx); ok {
		riskOpen = template.Truthy(v)
	}
	urgency = string(scoring.Classify(deadline, now, riskOpen))
	return arr, plan, urgency
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func appendStep(steps []int, idx int) []int {
	for _, s := range steps {
		if s == idx {
			return steps
		}
	}
	return append(steps, idx)
}

func payloadMap(p ActionPayload) map[string]any {
	m := map[string]any{}
	if p.Reason != "" {
		m["reason"] = p.Reason
	}
	if p.SnoozeUntil != nil {
		m["snooze_until"] = p.SnoozeUntil.Format(time.RFC3339)
	}
	if p.EscalateTo != "" {
		m["escalate_to"] = p.EscalateTo
	}
	if p.Trigger != "" {
		m["trigger"] = p.Trigger
	}
	if len(m) == 0 {
		return nil
	}
	return m
}
