package retention

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scheduler drives the pruner on a cron schedule for the process lifetime.
type Scheduler struct {
	pruner   *Pruner
	cron     *cron.Cron
	log      *zap.Logger
	schedule string
}

func NewScheduler(pruner *Pruner) *Scheduler {
	return &Scheduler{
		pruner:   pruner,
		cron:     cron.New(),
		log:      pruner.log,
		schedule: pruner.cfg.Schedule,
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid retention schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.pruner.RunOnce(context.Background())
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	s.cron.Start()
	s.log.Info("retention scheduler started", zap.String("schedule", s.schedule))
	return nil
}

func (s *Scheduler) Stop(ctx context.Context) error {
	stopped := s.cron.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("retention scheduler stopped")
	return nil
}
