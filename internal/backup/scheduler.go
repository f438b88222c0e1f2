package backup

import (
	"context"
	"log/slog"
	"sync"

	rcron "github.com/robfig/cron/v3"
)

// Scheduler pushes a backup on a cron schedule. One push runs at a
// time; a tick that lands while a push is in flight is skipped.
type Scheduler struct {
	gist     *Gist
	schedule string
	logger   *slog.Logger

	cron *rcron.Cron

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a backup scheduler. schedule is a standard
// five-field cron expression.
func NewScheduler(gist *Gist, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		gist:     gist,
		schedule: schedule,
		logger:   logger.With("component", "backup-scheduler"),
	}
}

// Start registers the schedule and begins ticking. The scheduler stops
// when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron = rcron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("backup schedule active", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the schedule. A push already in flight finishes.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

func (s *Scheduler) run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("backup tick skipped, previous push still running")
		return
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if _, err := s.gist.Push(ctx); err != nil {
		s.logger.Error("scheduled backup failed", "error", err)
	}
}
