package companion

import (
	"context"
	"errors"
	"testing"

	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/library"
)

func consolidatorFixture(t *testing.T, d *fakeDispatcher) (*Consolidator, config.Config) {
	t.Helper()

	lib := newFakeLibrary()
	lib.AddAnnotation(library.Annotation{BookID: "b1", PersonaID: "edna", Anchor: "x", Comment: "a note"})

	c, _ := testController(t, d, lib)
	cfg := testConfig()
	cfg.Behavior.AutoMemoryThreshold = 50
	return NewConsolidator(c, nil), cfg
}

func TestConsolidatorFiresAtThresholdCrossings(t *testing.T) {
	d := &fakeDispatcher{queue: []string{"memory v1", "memory v2"}}
	s, cfg := consolidatorFixture(t, d)
	ctx := context.Background()

	if s.Observe(ctx, cfg, "edna", 49) {
		t.Error("count 49 must not fire")
	}
	if !s.Observe(ctx, cfg, "edna", 50) {
		t.Error("count 50 must fire")
	}
	if s.Observe(ctx, cfg, "edna", 50) {
		t.Error("re-observing count 50 must not fire again")
	}
	if s.Observe(ctx, cfg, "edna", 75) {
		t.Error("count 75 must not fire")
	}
	if !s.Observe(ctx, cfg, "edna", 100) {
		t.Error("count 100 must fire")
	}

	if len(d.reqs) != 2 {
		t.Errorf("dispatched %d consolidations, want 2", len(d.reqs))
	}
}

func TestConsolidatorRetriesAfterFailure(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("provider down")}
	s, cfg := consolidatorFixture(t, d)
	ctx := context.Background()

	if s.Observe(ctx, cfg, "edna", 50) {
		t.Error("failed consolidation must report false")
	}

	// Provider recovers; the same crossing is observed again.
	d.err = nil
	d.queue = []string{"memory"}
	if !s.Observe(ctx, cfg, "edna", 50) {
		t.Error("crossing must stay pending after a failure")
	}
	if s.Observe(ctx, cfg, "edna", 50) {
		t.Error("a succeeded crossing must not fire twice")
	}
}

func TestConsolidatorDisabledThreshold(t *testing.T) {
	d := &fakeDispatcher{queue: []string{"memory"}}
	s, cfg := consolidatorFixture(t, d)
	cfg.Behavior.AutoMemoryThreshold = 0

	for _, count := range []int{0, 1, 50, 100} {
		if s.Observe(context.Background(), cfg, "edna", count) {
			t.Errorf("count %d fired with threshold 0", count)
		}
	}
	if len(d.reqs) != 0 {
		t.Error("disabled threshold must never dispatch")
	}
}

func TestConsolidatorDropsOverlappingObservation(t *testing.T) {
	d := &fakeDispatcher{}
	s, _ := consolidatorFixture(t, d)

	if !s.shouldFire(50, 50) {
		t.Fatal("first claim should pass")
	}
	if s.shouldFire(50, 100) {
		t.Error("observation during an in-flight consolidation must be dropped")
	}
}
