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

// queryFixture builds one owner's worklist in a variety of states through
// the action service, so every row carries real audit history.
func queryFixture(t *testing.T) (*QueryService, *ActionService, time.Time) {
	t.Helper()
	reg, err := registry.Load("testdata")
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	actions := NewActionService(store, reg, logging.NewNopLogger())
	queries := NewQueryService(store, logging.NewNopLogger())

	clock := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	actions.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	ctx := context.Background()

	instantiate := func(name string, arr float64) *models.Execution {
		exec, err := actions.Instantiate(ctx, "renewal-outreach", "customer:"+name, "csm-a", map[string]any{
			"customer": map[string]any{"name": name, "arr": arr, "plan": "manage"},
		})
		require.NoError(t, err)
		return exec
	}
	apply := func(id string, a models.ActionType, p ActionPayload) {
		_, err := actions.Apply(ctx, id, "csm-a", a, p)
		require.NoError(t, err)
	}

	// two active, different priorities
	instantiate("small", 40000)
	big := instantiate("big", 200000)
	apply(big.ID, models.ActionStart, ActionPayload{})

	// one snoozed past due, one snoozed for later
	due := instantiate("due", 40000)
	apply(due.ID, models.ActionStart, ActionPayload{})
	dueAt := clock.Add(time.Hour)
	apply(due.ID, models.ActionSnooze, ActionPayload{SnoozeUntil: &dueAt})
	later := instantiate("later", 40000)
	apply(later.ID, models.ActionStart, ActionPayload{})
	laterAt := clock.Add(14 * 24 * time.Hour)
	apply(later.ID, models.ActionSnooze, ActionPayload{SnoozeUntil: &laterAt})

	// one escalated away
	esc := instantiate("escalated", 40000)
	apply(esc.ID, models.ActionStart, ActionPayload{})
	apply(esc.ID, models.ActionEscalate, ActionPayload{EscalateTo: "manager-b"})

	// terminal rows
	done := instantiate("done", 40000)
	apply(done.ID, models.ActionStart, ActionPayload{})
	apply(done.ID, models.ActionComplete, ActionPayload{})
	skipped := instantiate("skipped", 40000)
	apply(skipped.ID, models.ActionSkip, ActionPayload{Reason: "duplicate account"})

	return queries, actions, clock
}

func TestActiveOrdersByPriority(t *testing.T) {
	queries, _, _ := queryFixture(t)

	active, err := queries.Active(context.Background(), "csm-a")
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "customer:big", active[0].SubjectRef)
	assert.Equal(t, "customer:small", active[1].SubjectRef)
	assert.GreaterOrEqual(t, active[0].PriorityScore, active[1].PriorityScore)
}

func TestSnoozedViews(t *testing.T) {
	queries, _, now := queryFixture(t)
	ctx := context.Background()

	all, err := queries.Snoozed(ctx, "csm-a")
	require.NoError(t, err)
	require.Len(t, all, 2)
	// soonest due first
	assert.Equal(t, "customer:due", all[0].SubjectRef)

	due, err := queries.SnoozedDue(ctx, "csm-a", now.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "customer:due", due[0].SubjectRef)

	none, err := queries.SnoozedDue(ctx, "csm-a", now)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEscalationViews(t *testing.T) {
	queries, _, _ := queryFixture(t)
	ctx := context.Background()

	toMe, err := queries.EscalatedToMe(ctx, "manager-b")
	require.NoError(t, err)
	require.Len(t, toMe, 1)
	assert.Equal(t, "customer:escalated", toMe[0].SubjectRef)
	assert.Equal(t, "manager-b", toMe[0].Owner)

	byMe, err := queries.EscalatedByMe(ctx, "csm-a")
	require.NoError(t, err)
	require.Len(t, byMe, 1)
	assert.Equal(t, toMe[0].ID, byMe[0].ID)

	nothing, err := queries.EscalatedToMe(ctx, "csm-a")
	require.NoError(t, err)
	assert.Empty(t, nothing)
}

func TestHistoryViews(t *testing.T) {
	queries, _, _ := queryFixture(t)
	ctx := context.Background()

	completed, err := queries.History(ctx, "csm-a", models.StatusCompleted, 10)
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, "customer:done", completed[0].SubjectRef)

	skipped, err := queries.History(ctx, "csm-a", models.StatusSkipped, 10)
	require.NoError(t, err)
	require.Len(t, skipped, 1)

	_, err = queries.History(ctx, "csm-a", models.StatusAbandoned, 10)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestHistoryHonorsLimit(t *testing.T) {
	reg, err := registry.Load("testdata")
	require.NoError(t, err)
	store := repository.NewMemoryStore()
	actions := NewActionService(store, reg, logging.NewNopLogger())
	queries := NewQueryService(store, logging.NewNopLogger())
	ctx := context.Background()

	clock := time.Date(2026, 9, 1, 9, 0, 0, 0, time.UTC)
	actions.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	for i := 0; i < 5; i++ {
		exec, err := actions.Instantiate(ctx, "renewal-outreach", "customer:acme", "csm-a", nil)
		require.NoError(t, err)
		_, err = actions.Apply(ctx, exec.ID, "csm-a", models.ActionStart, ActionPayload{})
		require.NoError(t, err)
		_, err = actions.Apply(ctx, exec.ID, "csm-a", models.ActionComplete, ActionPayload{})
		require.NoError(t, err)
	}

	page, err := queries.History(ctx, "csm-a", models.StatusCompleted, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	// most recently completed first
	for i := 1; i < len(page); i++ {
		assert.False(t, page[i-1].CompletedAt.Before(*page[i].CompletedAt))
	}
}

func TestCountsFor(t *testing.T) {
	queries, _, now := queryFixture(t)

	counts, err := queries.CountsFor(context.Background(), "csm-a", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Active)
	assert.Equal(t, 1, counts.SnoozedDue)
	assert.Equal(t, 2, counts.Snoozed)
	assert.Equal(t, 0, counts.EscalatedToMe)
	assert.Equal(t, 1, counts.EscalatedByMe)
	assert.Equal(t, 1, counts.Completed)
	assert.Equal(t, 1, counts.Skipped)

	byManager, err := queries.CountsFor(context.Background(), "manager-b", now)
	require.NoError(t, err)
	assert.Equal(t, 1, byManager.EscalatedToMe)
}

// flakyStore fails the first list/count call with a transient storage
// error, then delegates.
type flakyStore struct {
	repository.Store
	failed bool
}

func (s *flakyStore) ListExecutions(ctx context.Context, f repository.Filter) ([]*models.Execution, error) {
	if !s.failed {
		s.failed = true
		return nil, &repository.StorageError{Op: "list executions", Err: context.DeadlineExceeded}
	}
	return s.Store.ListExecutions(ctx, f)
}

func TestListRetriesTransientFailureOnce(t *testing.T) {
	store := repository.NewMemoryStore()
	queries := NewQueryService(&flakyStore{Store: store}, logging.NewNopLogger())

	out, err := queries.Active(context.Background(), "csm-a")
	require.NoError(t, err)
	assert.Empty(t, out)
}
