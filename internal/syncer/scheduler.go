package syncer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers sync passes on a cron schedule, for deployments that
// prefer periodic batches to the continuous Run loop. Overlapping runs are
// skipped.
type Scheduler struct {
	spec     string
	managers []*Manager
	cron     *cron.Cron
	logger   *slog.Logger
}

// NewScheduler creates a scheduler running spec (standard cron syntax or
// descriptors such as "@every 30s") over managers.
func NewScheduler(spec string, logger *slog.Logger, managers ...*Manager) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		spec:     spec,
		managers: managers,
		cron:     cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:   logger.With("component", "scheduler"),
	}
	if _, err := s.cron.AddFunc(spec, s.trigger); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins running the schedule in the background.
func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler", "schedule", s.spec, "collections", len(s.managers))
	s.cron.Start()
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("stopped scheduler")
}

func (s *Scheduler) trigger() {
	ctx := context.Background()
	for _, m := range s.managers {
		report, err := m.RunPendingSync(ctx)
		if err != nil {
			s.logger.Error("scheduled sync failed", "collection", m.Collection(), "error", err)
			continue
		}
		if report.Deferred {
			s.logger.Debug("scheduled sync deferred while offline", "collection", m.Collection())
		}
	}
}
