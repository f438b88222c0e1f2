package companion

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nvollmar/marginalia/internal/config"
)

// Consolidator decides when persona memory gets consolidated. It is a
// small state machine over one integer: the annotation count at which
// the last consolidation succeeded. Callers report the active book's
// annotation count after every change (or re-render); the consolidator
// fires at threshold crossings and ignores everything else.
type Consolidator struct {
	controller *Controller
	logger     *slog.Logger

	mu        sync.Mutex
	firing    bool
	lastCount int
}

// NewConsolidator creates a consolidation scheduler bound to a
// lifecycle controller.
func NewConsolidator(controller *Controller, logger *slog.Logger) *Consolidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consolidator{
		controller: controller,
		logger:     logger.With("component", "consolidator"),
	}
}

// shouldFire applies the transition rule and, when it passes, claims
// the firing slot.
func (s *Consolidator) shouldFire(threshold, count int) bool {
	if threshold <= 0 || count <= 0 {
		return false
	}
	if count%threshold != 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.firing {
		// An observation during a consolidation is dropped, not queued.
		return false
	}
	if count == s.lastCount {
		// Same count re-observed (re-render, reload): already handled.
		return false
	}
	s.firing = true
	return true
}

// Observe reports the current annotation count for the active book and
// runs a consolidation when the threshold policy says so. Returns true
// when a consolidation ran and succeeded.
//
// Failures leave lastCount untouched so the same crossing is retried
// at the next observation.
func (s *Consolidator) Observe(ctx context.Context, cfg config.Config, personaID string, count int) bool {
	if !s.shouldFire(cfg.Behavior.AutoMemoryThreshold, count) {
		return false
	}
	defer func() {
		s.mu.Lock()
		s.firing = false
		s.mu.Unlock()
	}()

	s.logger.Info("consolidation triggered", "persona", personaID, "count", count)

	if _, err := s.controller.ConsolidateMemory(ctx, cfg, personaID); err != nil {
		s.logger.Warn("consolidation failed", "persona", personaID, "error", err)
		return false
	}

	s.mu.Lock()
	s.lastCount = count
	s.mu.Unlock()
	return true
}
