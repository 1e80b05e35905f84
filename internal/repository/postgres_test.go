package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"successhub/engine/pkg/models"
)

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test-db"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2)),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate container: %s", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatal(err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, Schema)
	require.NoError(t, err)

	store := NewPostgresStore(pool)
	now := time.Now().UTC().Truncate(time.Millisecond)

	exec := &models.Execution{
		ID:             uuid.New().String(),
		DefinitionID:   "renewal-outreach",
		SubjectRef:     "acct-42",
		Owner:          "ana",
		Status:         models.StatusNotStarted,
		PriorityScore:  130,
		ARR:            120000,
		Plan:           "expand",
		Urgency:        "medium",
		Variables:      map[string]any{"opening_sent": "true"},
		CreatedAt:      now,
		LastActivityAt: now,
	}

	t.Run("create and get", func(t *testing.T) {
		action := &models.WorkflowAction{
			ID:             uuid.New().String(),
			ExecutionID:    exec.ID,
			ActorID:        "system",
			Action:         "instantiate",
			PreviousStatus: models.StatusNotStarted,
			NewStatus:      models.StatusNotStarted,
			CreatedAt:      now,
		}
		require.NoError(t, store.CreateExecution(ctx, exec, action))

		got, err := store.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, exec.Owner, got.Owner)
		assert.Equal(t, exec.Status, got.Status)
		assert.Equal(t, exec.PriorityScore, got.PriorityScore)
		assert.Equal(t, "true", got.Variables["opening_sent"])
	})

	t.Run("optimistic predicate", func(t *testing.T) {
		updated := exec.Clone()
		updated.Status = models.StatusInProgress
		started := now.Add(time.Minute)
		updated.StartedAt = &started
		updated.LastActivityAt = started
		action := &models.WorkflowAction{
			ID:             uuid.New().String(),
			ExecutionID:    exec.ID,
			ActorID:        "ana",
			Action:         models.ActionStart,
			PreviousStatus: models.StatusNotStarted,
			NewStatus:      models.StatusInProgress,
			CreatedAt:      started,
		}
		require.NoError(t, store.UpdateExecutionWithAudit(ctx, updated, models.StatusNotStarted, action))

		// a second writer expecting the old status loses the race
		stale := exec.Clone()
		stale.Status = models.StatusSkipped
		err := store.UpdateExecutionWithAudit(ctx, stale, models.StatusNotStarted, action)
		var conflict *ConflictError
		assert.True(t, errors.As(err, &conflict))

		got, err := store.GetExecution(ctx, exec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInProgress, got.Status)

		actions, err := store.ListActions(ctx, exec.ID)
		require.NoError(t, err)
		assert.Len(t, actions, 2)
	})

	t.Run("missing execution", func(t *testing.T) {
		_, err := store.GetExecution(ctx, uuid.New().String())
		var nf *NotFoundError
		assert.True(t, errors.As(err, &nf))
	})

	t.Run("rules and dedupe", func(t *testing.T) {
		// rule ids are operator-chosen slugs, not uuids
		rule := &models.AutomationRule{
			ID:           "usage-drop-watch",
			DefinitionID: "churn-risk-response",
			Name:         "usage drop",
			Conditions: []models.RuleCondition{
				{Field: "usage.trend", Operator: models.OpEquals, Value: "down"},
			},
			Logic:     models.LogicAnd,
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, store.CreateRule(ctx, rule))

		rules, err := store.ListActiveRules(ctx)
		require.NoError(t, err)
		require.Len(t, rules, 1)
		assert.Equal(t, models.OpEquals, rules[0].Conditions[0].Operator)

		got, err := store.GetRule(ctx, "usage-drop-watch")
		require.NoError(t, err)
		assert.Equal(t, rule.Name, got.Name)

		var nf *NotFoundError
		_, err = store.GetRule(ctx, "no-such-rule")
		assert.True(t, errors.As(err, &nf))

		claimed, err := store.ClaimDedupeKey(ctx, "r|s|e")
		require.NoError(t, err)
		assert.True(t, claimed)
		claimed, err = store.ClaimDedupeKey(ctx, "r|s|e")
		require.NoError(t, err)
		assert.False(t, claimed)

		require.NoError(t, store.ReleaseDedupeKey(ctx, "r|s|e"))
		claimed, err = store.ClaimDedupeKey(ctx, "r|s|e")
		require.NoError(t, err)
		assert.True(t, claimed)
	})
}
