package execution

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"successhub/engine/pkg/models"
)

// legal enumerates the full transition table; everything outside it must be
// rejected.
var legal = map[models.ActionType]map[models.Status]models.Status{
	models.ActionStart: {
		models.StatusNotStarted: models.StatusInProgress,
	},
	models.ActionAdvance: {
		models.StatusInProgress: models.StatusInProgress,
	},
	models.ActionSnooze: {
		models.StatusNotStarted: models.StatusSnoozed,
		models.StatusInProgress: models.StatusSnoozed,
		models.StatusEscalated:  models.StatusSnoozed,
	},
	models.ActionResume: {
		models.StatusSnoozed: models.StatusInProgress,
	},
	models.ActionSkip: {
		models.StatusNotStarted: models.StatusSkipped,
		models.StatusInProgress: models.StatusSkipped,
		models.StatusSnoozed:    models.StatusSkipped,
		models.StatusEscalated:  models.StatusSkipped,
	},
	models.ActionEscalate: {
		models.StatusNotStarted: models.StatusEscalated,
		models.StatusInProgress: models.StatusEscalated,
	},
	models.ActionComplete: {
		models.StatusInProgress: models.StatusCompleted,
	},
	models.ActionReject: {
		models.StatusInProgress: models.StatusRejected,
	},
	models.ActionLose: {
		models.StatusInProgress: models.StatusLost,
	},
	models.ActionAbandon: {
		models.StatusNotStarted: models.StatusAbandoned,
		models.StatusInProgress: models.StatusAbandoned,
	},
}

func TestFullStateActionSpace(t *testing.T) {
	for _, action := range Actions {
		for _, status := range models.Statuses {
			want, ok := legal[action][status]
			got, err := Next(status, action, false)
			if ok {
				assert.NoError(t, err, "%s from %s", action, status)
				assert.Equal(t, want, got, "%s from %s", action, status)
				assert.True(t, Allowed(status, action))
			} else {
				assert.Error(t, err, "%s from %s must be rejected", action, status)
				var ite *InvalidTransitionError
				assert.True(t, errors.As(err, &ite))
				assert.Equal(t, action, ite.Action)
				assert.Equal(t, status, ite.From)
				assert.False(t, Allowed(status, action))
			}
		}
	}
}

func TestAdvanceOnLastStepCompletes(t *testing.T) {
	got, err := Next(models.StatusInProgress, models.ActionAdvance, true)
	assert.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got)
}

func TestInvalidTransitionMessageNamesBoth(t *testing.T) {
	_, err := Next(models.StatusCompleted, models.ActionSnooze, false)
	assert.ErrorContains(t, err, "snooze")
	assert.ErrorContains(t, err, "completed")
}

func TestIsTerminal(t *testing.T) {
	terminal := []models.Status{
		models.StatusCompleted, models.StatusAbandoned, models.StatusRejected,
		models.StatusLost, models.StatusSkipped,
	}
	open := []models.Status{
		models.StatusNotStarted, models.StatusInProgress, models.StatusSnoozed,
		models.StatusEscalated,
	}
	for _, s := range terminal {
		assert.True(t, IsTerminal(s), s)
	}
	for _, s := range open {
		assert.False(t, IsTerminal(s), s)
	}
}

func TestStampStatusKeepsAtMostOneTimestamp(t *testing.T) {
	now := time.Now()
	e := &models.Execution{}

	StampStatus(e, models.StatusSnoozed, now)
	assert.NotNil(t, e.SnoozedAt)

	StampStatus(e, models.StatusCompleted, now.Add(time.Hour))
	assert.Nil(t, e.SnoozedAt)
	assert.NotNil(t, e.CompletedAt)

	count := 0
	for _, ts := range []*time.Time{
		e.CompletedAt, e.SnoozedAt, e.SkippedAt, e.RejectedAt,
		e.LostAt, e.EscalatedAt, e.AbandonedAt,
	} {
		if ts != nil {
			count++
		}
	}
	assert.Equal(t, 1, count)

	StampStatus(e, models.StatusInProgress, now)
	assert.Nil(t, e.CompletedAt)
}
