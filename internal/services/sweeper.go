package services

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"successhub/engine/internal/logging"
	"successhub/engine/internal/repository"
	"successhub/engine/pkg/models"
)

// Sweeper implements the abandonment policy: an execution sitting in
// not_started or in_progress with no activity for the configured window is
// moved to abandoned on a cron schedule. This is the only path to the
// abandoned status; callers never invoke it.
type Sweeper struct {
	store   repository.Store
	actions *ActionService
	logger  *logging.Logger
	window  time.Duration
	spec    string
	cron    *cron.Cron
	now     func() time.Time
}

// NewSweeper creates a Sweeper abandoning executions inactive for window,
// running on the cron spec.
func NewSweeper(store repository.Store, actions *ActionService, logger *logging.Logger, window time.Duration, spec string) *Sweeper {
	return &Sweeper{
		store:   store,
		actions: actions,
		logger:  logger,
		window:  window,
		spec:    spec,
		cron:    cron.New(),
		now:     time.Now,
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.spec, func() {
		if n, err := s.SweepOnce(ctx); err != nil {
			s.logger.Error("abandonment sweep failed", "error", err)
		} else if n > 0 {
			s.logger.Info("abandonment sweep finished", "abandoned", n)
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the schedule.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// SweepOnce abandons every stale execution through the audited action
// path. A conflict means another transition touched the execution while
// the sweep ran; that execution is simply no longer stale.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.window)
	stale, err := s.store.ListExecutions(ctx, repository.Filter{
		Statuses:      []models.Status{models.StatusNotStarted, models.StatusInProgress},
		InactiveSince: &cutoff,
	})
	if err != nil {
		return 0, err
	}

	abandoned := 0
	for _, exec := range stale {
		_, err := s.actions.apply(ctx, exec.ID, "system", models.ActionAbandon, ActionPayload{
			Note: "abandoned by inactivity sweep",
		})
		if err != nil {
			var conflict *repository.ConflictError
			if errors.As(err, &conflict) {
				continue
			}
			return abandoned, err
		}
		abandoned++
	}
	return abandoned, nil
}
