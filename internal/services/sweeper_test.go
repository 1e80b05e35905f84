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

func TestSweepOnceAbandonsStaleExecutions(t *testing.T) {
	reg, err := registry.Load("testdata")
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	actions := NewActionService(store, reg, logging.NewNopLogger())
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	actions.now = func() time.Time { return created }

	stale, err := actions.Instantiate(ctx, "renewal-outreach", "customer:stale", "csm-a", nil)
	require.NoError(t, err)
	staleStarted, err := actions.Instantiate(ctx, "renewal-outreach", "customer:stale-started", "csm-a", nil)
	require.NoError(t, err)
	_, err = actions.Apply(ctx, staleStarted.ID, "csm-a", models.ActionStart, ActionPayload{})
	require.NoError(t, err)

	// fresh activity 5 days later keeps this one alive
	actions.now = func() time.Time { return created.Add(25 * 24 * time.Hour) }
	fresh, err := actions.Instantiate(ctx, "renewal-outreach", "customer:fresh", "csm-a", nil)
	require.NoError(t, err)

	sweeper := NewSweeper(store, actions, logging.NewNopLogger(), 30*24*time.Hour, "0 3 * * *")
	sweepAt := created.Add(31 * 24 * time.Hour)
	sweeper.now = func() time.Time { return sweepAt }
	actions.now = func() time.Time { return sweepAt }

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{stale.ID, staleStarted.ID} {
		got, err := store.GetExecution(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAbandoned, got.Status)
		require.NotNil(t, got.AbandonedAt)

		audit, err := store.ListActions(ctx, id)
		require.NoError(t, err)
		last := audit[len(audit)-1]
		assert.Equal(t, models.ActionAbandon, last.Action)
		assert.Equal(t, "system", last.ActorID)
	}

	got, err := store.GetExecution(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNotStarted, got.Status)

	// a second sweep finds nothing left
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperSkipsTerminalStatuses(t *testing.T) {
	reg, err := registry.Load("testdata")
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	actions := NewActionService(store, reg, logging.NewNopLogger())
	ctx := context.Background()

	created := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	actions.now = func() time.Time { return created }
	exec, err := actions.Instantiate(ctx, "renewal-outreach", "customer:acme", "csm-a", nil)
	require.NoError(t, err)
	_, err = actions.Apply(ctx, exec.ID, "csm-a", models.ActionSkip, ActionPayload{Reason: "closed"})
	require.NoError(t, err)

	sweeper := NewSweeper(store, actions, logging.NewNopLogger(), 30*24*time.Hour, "0 3 * * *")
	sweepAt := created.Add(60 * 24 * time.Hour)
	sweeper.now = func() time.Time { return sweepAt }

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSkipped, got.Status)
}
