package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"successhub/engine/internal/logging"
	"successhub/engine/internal/repository"
	"successhub/engine/internal/template"
	"successhub/engine/pkg/models"
)

// dedupeNamespace seeds the deterministic (rule, subject, event) key so
// redelivery of the same event can never launch a second execution.
var dedupeNamespace = uuid.MustParse("3f2a9c41-6b77-4a14-9d38-f0045cf2d1aa")

// MatchResult reports one event's evaluation: which rules matched, which
// executions were launched, and which rules were skipped as malformed.
type MatchResult struct {
	MatchedRuleIDs  []string `json:"matched_rule_ids"`
	NewExecutionIDs []string `json:"new_execution_ids"`
	SkippedRules    []string `json:"skipped_rules,omitempty"`
}

// DryRunResult is TestRule's side-effect-free evaluation report.
type DryRunResult struct {
	WouldTrigger        bool                   `json:"would_trigger"`
	MatchedConditions   []models.RuleCondition `json:"matched_conditions"`
	WorkflowWouldLaunch string                 `json:"workflow_would_launch,omitempty"`
}

// RuleMatcher evaluates incoming events against active automation rules
// and launches executions through the action service on match.
type RuleMatcher struct {
	store        repository.Store
	actions      *ActionService
	logger       *logging.Logger
	defaultOwner string
}

// NewRuleMatcher creates a RuleMatcher. defaultOwner resolves ownership
// for rules without an explicit assignment target.
func NewRuleMatcher(store repository.Store, actions *ActionService, logger *logging.Logger, defaultOwner string) *RuleMatcher {
	return &RuleMatcher{
		store:        store,
		actions:      actions,
		logger:       logger,
		defaultOwner: defaultOwner,
	}
}

// Evaluate runs every active rule against event. A malformed condition
// fails only its own rule; the rest still run. Matching is idempotent per
// (rule, subject, event).
func (m *RuleMatcher) Evaluate(ctx context.Context, event models.Event) (*MatchResult, error) {
	rules, err := m.store.ListActiveRules(ctx)
	if err != nil {
		return nil, err
	}

	result := &MatchResult{}
	for _, rule := range rules {
		matched, _, err := matchRule(rule, event)
		if err != nil {
			ruleErr := &RuleEvaluationError{RuleID: rule.ID, Err: err}
			m.logger.Warn("skipping malformed rule", "rule_id", rule.ID, "error", ruleErr.Error())
			result.SkippedRules = append(result.SkippedRules, rule.ID)
			continue
		}
		if !matched {
			continue
		}
		result.MatchedRuleIDs = append(result.MatchedRuleIDs, rule.ID)

		key := dedupeKey(rule.ID, event)
		claimed, err := m.store.ClaimDedupeKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if !claimed {
			m.logger.Debug("duplicate event delivery suppressed", "rule_id", rule.ID,
				"subject_ref", event.SubjectRef, "event_id", event.ID)
			continue
		}

		owner := m.defaultOwner
		if rule.AssignToUser != nil && *rule.AssignToUser != "" {
			owner = *rule.AssignToUser
		}
		exec, err := m.actions.Instantiate(ctx, rule.DefinitionID, event.SubjectRef, owner, event.Fields)
		if err != nil {
			// the claim stands for work that never happened; release it so
			// redelivery gets another chance
			if relErr := m.store.ReleaseDedupeKey(ctx, key); relErr != nil {
				m.logger.Error("releasing dedupe key after failed instantiate",
					"rule_id", rule.ID, "event_id", event.ID, "error", relErr)
			}
			return nil, fmt.Errorf("instantiating for rule %s: %w", rule.ID, err)
		}
		result.NewExecutionIDs = append(result.NewExecutionIDs, exec.ID)
	}
	return result, nil
}

// EvaluateBatch evaluates many events, in delivery order per subject and
// in parallel across independent subjects. Cancellation is cooperative and
// checked between subjects, never mid-subject: each subject's mutation is
// a single atomic unit of work.
func (m *RuleMatcher) EvaluateBatch(ctx context.Context, events []models.Event) (map[string]*MatchResult, error) {
	bySubject := map[string][]models.Event{}
	var subjects []string
	for _, e := range events {
		if _, seen := bySubject[e.SubjectRef]; !seen {
			subjects = append(subjects, e.SubjectRef)
		}
		bySubject[e.SubjectRef] = append(bySubject[e.SubjectRef], e)
	}

	results := make([]*MatchResult, len(subjects))
	g, gctx := errgroup.WithContext(ctx)
	for i, subject := range subjects {
		g.Go(func() error {
			for j, event := range bySubject[subject] {
				if j > 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				r, err := m.Evaluate(gctx, event)
				if err != nil {
					return err
				}
				if results[i] == nil {
					results[i] = &MatchResult{}
				}
				results[i].MatchedRuleIDs = append(results[i].MatchedRuleIDs, r.MatchedRuleIDs...)
				results[i].NewExecutionIDs = append(results[i].NewExecutionIDs, r.NewExecutionIDs...)
				results[i].SkippedRules = append(results[i].SkippedRules, r.SkippedRules...)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*MatchResult, len(subjects))
	for i, subject := range subjects {
		if results[i] != nil {
			out[subject] = results[i]
		}
	}
	return out, nil
}

// TestRule evaluates one rule against a sample event with no side effects:
// no execution, no audit record, no dedupe claim. For rule authoring.
func (m *RuleMatcher) TestRule(ctx context.Context, ruleID string, event models.Event) (*DryRunResult, error) {
	rule, err := m.store.GetRule(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	matched, matchedConditions, err := matchRule(rule, event)
	if err != nil {
		return nil, &RuleEvaluationError{RuleID: rule.ID, Err: err}
	}
	result := &DryRunResult{
		WouldTrigger:      matched,
		MatchedConditions: matchedConditions,
	}
	if matched {
		result.WorkflowWouldLaunch = rule.DefinitionID
	}
	return result, nil
}

func dedupeKey(ruleID string, event models.Event) string {
	return uuid.NewSHA1(dedupeNamespace,
		[]byte(ruleID+"|"+event.SubjectRef+"|"+event.ID)).String()
}

// matchRule applies the rule's conditions to the event under its logic
// operator, returning the conditions that held. A malformed condition
// fails the whole rule.
func matchRule(rule *models.AutomationRule, event models.Event) (bool, []models.RuleCondition, error) {
	if len(rule.Conditions) == 0 {
		return false, nil, fmt.Errorf("rule has no conditions")
	}
	switch rule.Logic {
	case models.LogicAnd, models.LogicOr:
	default:
		return false, nil, fmt.Errorf("unknown logic operator %q", rule.Logic)
	}

	fields := eventFields(event)
	var matched []models.RuleCondition
	for _, cond := range rule.Conditions {
		ok, err := evalCondition(cond, fields)
		if err != nil {
			return false, nil, err
		}
		if ok {
			matched = append(matched, cond)
		}
	}
	switch rule.Logic {
	case models.LogicAnd:
		return len(matched) == len(rule.Conditions), matched, nil
	default: // or
		return len(matched) > 0, matched, nil
	}
}

func eventFields(event models.Event) map[string]any {
	fields := make(map[string]any, len(event.Fields)+2)
	for k, v := range event.Fields {
		fields[k] = v
	}
	fields["type"] = event.Type
	fields["subject_ref"] = event.SubjectRef
	return fields
}

func evalCondition(cond models.RuleCondition, fields map[string]any) (bool, error) {
	if strings.TrimSpace(cond.Field) == "" {
		return false, fmt.Errorf("condition has no field")
	}
	value, present := template.Lookup(cond.Field, fields)

	switch cond.Operator {
	case models.OpExists:
		return present, nil
	case models.OpEquals:
		return present && compareValues(value, cond.Value) == 0, nil
	case models.OpNotEquals:
		return !present || compareValues(value, cond.Value) != 0, nil
	case models.OpContains:
		return present && strings.Contains(stringify(value), stringify(cond.Value)), nil
	case models.OpGreaterThan:
		return present && compareValues(value, cond.Value) > 0, nil
	case models.OpLessThan:
		return present && compareValues(value, cond.Value) < 0, nil
	default:
		return false, fmt.Errorf("unknown operator %q", cond.Operator)
	}
}

// compareValues is numeric when both sides parse as numbers, else
// lexicographic on the string forms.
func compareValues(a, b any) int {
	na, aok := numeric(a)
	nb, bok := numeric(b)
	if aok && bok {
		switch {
		case na < nb:
			return -1
		case na > nb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return n, err == nil
	default:
		return 0, false
	}
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
