package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"successhub/engine/internal/logging"
	"successhub/engine/internal/registry"
	"successhub/engine/internal/repository"
	"successhub/engine/pkg/models"
)

func newMatcherHarness(t *testing.T) (*RuleMatcher, *repository.MemoryStore) {
	t.Helper()
	reg, err := registry.Load("testdata")
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	actions := NewActionService(store, reg, logging.NewNopLogger())
	return NewRuleMatcher(store, actions, logging.NewNopLogger(), "csm-pool"), store
}

func seedRule(t *testing.T, store *repository.MemoryStore, rule *models.AutomationRule) {
	t.Helper()
	if rule.ID == "" {
		rule.ID = "rule-" + rule.Name
	}
	rule.Active = true
	require.NoError(t, store.CreateRule(context.Background(), rule))
}

func riskEvent(id string) models.Event {
	return models.Event{
		ID:         id,
		Type:       "health.changed",
		SubjectRef: "customer:acme",
		Fields: map[string]any{
			"health_score": 35.0,
			"segment":      "enterprise",
			"customer": map[string]any{
				"arr":  200000.0,
				"plan": "invest",
			},
		},
		OccurredAt: time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEvaluateLaunchesOnMatch(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	seedRule(t, store, &models.AutomationRule{
		Name:         "low-health",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicAnd,
		Conditions: []models.RuleCondition{
			{Field: "type", Operator: models.OpEquals, Value: "health.changed"},
			{Field: "health_score", Operator: models.OpLessThan, Value: 50},
		},
	})

	result, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rule-low-health"}, result.MatchedRuleIDs)
	require.Len(t, result.NewExecutionIDs, 1)

	exec, err := store.GetExecution(ctx, result.NewExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "churn-risk-response", exec.DefinitionID)
	assert.Equal(t, "customer:acme", exec.SubjectRef)
	assert.Equal(t, "csm-pool", exec.Owner)
	// event fields feed the scorer
	assert.Equal(t, 200000.0, exec.ARR)
	assert.Equal(t, "invest", exec.Plan)
}

func TestEvaluateDedupesRedelivery(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	seedRule(t, store, &models.AutomationRule{
		Name:         "low-health",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicOr,
		Conditions: []models.RuleCondition{
			{Field: "health_score", Operator: models.OpLessThan, Value: 50},
		},
	})

	first, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	require.Len(t, first.NewExecutionIDs, 1)

	second, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rule-low-health"}, second.MatchedRuleIDs)
	assert.Empty(t, second.NewExecutionIDs, "redelivery must not launch twice")

	// a distinct event for the same subject is not a duplicate
	third, err := m.Evaluate(ctx, riskEvent("evt-2"))
	require.NoError(t, err)
	assert.Len(t, third.NewExecutionIDs, 1)
}

func TestEvaluateReleasesDedupeKeyOnFailedInstantiate(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	rule := &models.AutomationRule{
		ID:           "rule-stale-def",
		Name:         "stale-def",
		DefinitionID: "retired-workflow",
		Logic:        models.LogicOr,
		Conditions: []models.RuleCondition{
			{Field: "health_score", Operator: models.OpExists},
		},
	}
	seedRule(t, store, rule)

	event := riskEvent("evt-1")
	_, err := m.Evaluate(ctx, event)
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	// the failed launch must not consume the dedupe slot
	claimed, err := store.ClaimDedupeKey(ctx, dedupeKey(rule.ID, event))
	require.NoError(t, err)
	assert.True(t, claimed, "key must be released when instantiation fails")
}

func TestEvaluateSkipsMalformedRuleOnly(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	seedRule(t, store, &models.AutomationRule{
		ID:           "rule-broken",
		Name:         "broken",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicAnd,
		Conditions: []models.RuleCondition{
			{Field: "health_score", Operator: "approximately", Value: 50},
		},
	})
	seedRule(t, store, &models.AutomationRule{
		ID:           "rule-good",
		Name:         "good",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicAnd,
		Conditions: []models.RuleCondition{
			{Field: "segment", Operator: models.OpEquals, Value: "enterprise"},
		},
	})

	result, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"rule-broken"}, result.SkippedRules)
	assert.Equal(t, []string{"rule-good"}, result.MatchedRuleIDs)
	assert.Len(t, result.NewExecutionIDs, 1)
}

func TestEvaluateLogicOperators(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	seedRule(t, store, &models.AutomationRule{
		ID:           "rule-and",
		Name:         "and",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicAnd,
		Conditions: []models.RuleCondition{
			{Field: "segment", Operator: models.OpEquals, Value: "enterprise"},
			{Field: "health_score", Operator: models.OpGreaterThan, Value: 90},
		},
	})
	seedRule(t, store, &models.AutomationRule{
		ID:           "rule-or",
		Name:         "or",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicOr,
		Conditions: []models.RuleCondition{
			{Field: "segment", Operator: models.OpEquals, Value: "smb"},
			{Field: "customer.plan", Operator: models.OpEquals, Value: "invest"},
		},
	})

	result, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	// and: one of two conditions holds, so no match; or: one holds, match
	assert.Equal(t, []string{"rule-or"}, result.MatchedRuleIDs)
}

func TestEvaluateHonorsRuleAssignment(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	owner := "csm-b"
	seedRule(t, store, &models.AutomationRule{
		Name:         "assigned",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicOr,
		Conditions: []models.RuleCondition{
			{Field: "segment", Operator: models.OpExists},
		},
		AssignToUser: &owner,
	})

	result, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	require.Len(t, result.NewExecutionIDs, 1)
	exec, err := store.GetExecution(ctx, result.NewExecutionIDs[0])
	require.NoError(t, err)
	assert.Equal(t, "csm-b", exec.Owner)
}

func TestTestRuleHasNoSideEffects(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	seedRule(t, store, &models.AutomationRule{
		ID:           "rule-low-health",
		Name:         "low-health",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicAnd,
		Conditions: []models.RuleCondition{
			{Field: "health_score", Operator: models.OpLessThan, Value: 50},
			{Field: "segment", Operator: models.OpEquals, Value: "enterprise"},
		},
	})

	dry, err := m.TestRule(ctx, "rule-low-health", riskEvent("evt-1"))
	require.NoError(t, err)
	assert.True(t, dry.WouldTrigger)
	assert.Len(t, dry.MatchedConditions, 2)
	assert.Equal(t, "churn-risk-response", dry.WorkflowWouldLaunch)

	// nothing was launched and no dedupe key was claimed
	n, err := store.CountExecutions(ctx, repository.Filter{})
	require.NoError(t, err)
	assert.Zero(t, n)
	live, err := m.Evaluate(ctx, riskEvent("evt-1"))
	require.NoError(t, err)
	assert.Len(t, live.NewExecutionIDs, 1, "dry run must not consume the dedupe slot")
}

func TestTestRuleReportsMalformedRule(t *testing.T) {
	m, store := newMatcherHarness(t)
	seedRule(t, store, &models.AutomationRule{
		ID:           "rule-broken",
		Name:         "broken",
		DefinitionID: "churn-risk-response",
		Logic:        "xor",
		Conditions: []models.RuleCondition{
			{Field: "segment", Operator: models.OpExists},
		},
	})

	_, err := m.TestRule(context.Background(), "rule-broken", riskEvent("evt-1"))
	var rerr *RuleEvaluationError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "rule-broken", rerr.RuleID)
}

func TestEvaluateBatchGroupsBySubject(t *testing.T) {
	m, store := newMatcherHarness(t)
	ctx := context.Background()
	seedRule(t, store, &models.AutomationRule{
		Name:         "any-health",
		DefinitionID: "churn-risk-response",
		Logic:        models.LogicOr,
		Conditions: []models.RuleCondition{
			{Field: "health_score", Operator: models.OpExists},
		},
	})

	events := []models.Event{
		riskEvent("evt-1"),
		func() models.Event {
			e := riskEvent("evt-2")
			e.SubjectRef = "customer:globex"
			return e
		}(),
		riskEvent("evt-3"),
	}
	results, err := m.EvaluateBatch(ctx, events)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Len(t, results["customer:acme"].NewExecutionIDs, 2)
	assert.Len(t, results["customer:globex"].NewExecutionIDs, 1)
}

func TestConditionOperators(t *testing.T) {
	fields := map[string]any{
		"segment":      "enterprise",
		"health_score": 35.0,
		"notes":        "usage dropped sharply",
		"customer":     map[string]any{"plan": "invest"},
	}
	cases := []struct {
		name string
		cond models.RuleCondition
		want bool
	}{
		{"equals", models.RuleCondition{Field: "segment", Operator: models.OpEquals, Value: "enterprise"}, true},
		{"equals numeric string", models.RuleCondition{Field: "health_score", Operator: models.OpEquals, Value: "35"}, true},
		{"not equals", models.RuleCondition{Field: "segment", Operator: models.OpNotEquals, Value: "smb"}, true},
		{"not equals missing field", models.RuleCondition{Field: "ghost", Operator: models.OpNotEquals, Value: "x"}, true},
		{"contains", models.RuleCondition{Field: "notes", Operator: models.OpContains, Value: "dropped"}, true},
		{"greater than false", models.RuleCondition{Field: "health_score", Operator: models.OpGreaterThan, Value: 50}, false},
		{"less than", models.RuleCondition{Field: "health_score", Operator: models.OpLessThan, Value: 50}, true},
		{"exists nested", models.RuleCondition{Field: "customer.plan", Operator: models.OpExists}, true},
		{"exists missing", models.RuleCondition{Field: "customer.tier", Operator: models.OpExists}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := evalCondition(tc.cond, fields)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}
