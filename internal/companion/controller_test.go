package companion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/library"
	"github.com/nvollmar/marginalia/internal/llm"
	"github.com/nvollmar/marginalia/internal/persona"
)

// fakeDispatcher records requests and plays back queued responses.
type fakeDispatcher struct {
	reqs  []llm.Request
	queue []string
	err   error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, _ config.EngineConfig, req llm.Request) (string, error) {
	d.reqs = append(d.reqs, req)
	if d.err != nil {
		return "", d.err
	}
	if len(d.queue) == 0 {
		return "", nil
	}
	resp := d.queue[0]
	d.queue = d.queue[1:]
	return resp, nil
}

func (d *fakeDispatcher) lastReq(t *testing.T) llm.Request {
	t.Helper()
	if len(d.reqs) == 0 {
		t.Fatal("no dispatch recorded")
	}
	return d.reqs[len(d.reqs)-1]
}

// fakeLibrary is an in-memory Library.
type fakeLibrary struct {
	anns   map[string]library.Annotation
	nextID int
}

func newFakeLibrary() *fakeLibrary {
	return &fakeLibrary{anns: make(map[string]library.Annotation)}
}

func (l *fakeLibrary) AddAnnotation(a library.Annotation) (library.Annotation, error) {
	if a.ID == "" {
		l.nextID++
		a.ID = fmt.Sprintf("ann-%d", l.nextID)
	}
	l.anns[a.ID] = a
	return a, nil
}

func (l *fakeLibrary) GetAnnotation(id string) (library.Annotation, error) {
	a, ok := l.anns[id]
	if !ok {
		return library.Annotation{}, fmt.Errorf("unknown annotation %q", id)
	}
	return a, nil
}

func (l *fakeLibrary) ListAnnotations(bookID string) ([]library.Annotation, error) {
	var out []library.Annotation
	for _, a := range l.anns {
		if a.BookID == bookID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *fakeLibrary) Anchors(bookID string) (map[string]bool, error) {
	anchors := make(map[string]bool)
	for _, a := range l.anns {
		if a.BookID == bookID {
			anchors[a.Anchor] = true
		}
	}
	return anchors, nil
}

func (l *fakeLibrary) SetThread(annotationID string, thread []library.ChatTurn) error {
	a, ok := l.anns[annotationID]
	if !ok {
		return fmt.Errorf("unknown annotation %q", annotationID)
	}
	a.Thread = thread
	l.anns[annotationID] = a
	return nil
}

func (l *fakeLibrary) RecentComments(personaID string, limit int) ([]string, error) {
	var out []string
	for _, a := range l.anns {
		if a.PersonaID == personaID && a.Comment != "" {
			out = append(out, a.Comment)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func testController(t *testing.T, d *fakeDispatcher, lib *fakeLibrary) (*Controller, *persona.Registry) {
	t.Helper()
	reg, err := persona.NewRegistry(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return New(d, lib, reg, nil), reg
}

func testConfig() config.Config {
	cfg := *config.Default()
	cfg.Engine.Temperature = 0.9
	return cfg
}

func TestAnnotateTruncates(t *testing.T) {
	long := strings.Repeat("ab", 90) // 180 chars
	d := &fakeDispatcher{queue: []string{long}}
	lib := newFakeLibrary()
	c, _ := testController(t, d, lib)

	ann, err := c.Annotate(context.Background(), testConfig(), "edna", "b1", "some passage")
	if err != nil {
		t.Fatalf("Annotate() error: %v", err)
	}
	if got := len([]rune(ann.Comment)); got != 100 {
		t.Errorf("comment length = %d runes, want 100", got)
	}
	if ann.Author != library.AuthorAI {
		t.Errorf("author = %q, want ai", ann.Author)
	}
	if ann.Anchor != "some passage" {
		t.Errorf("anchor = %q", ann.Anchor)
	}
	if ann.Autonomous {
		t.Error("explicit annotation must not be autonomous")
	}
}

func TestAnnotateEmptyResponsePlaceholder(t *testing.T) {
	d := &fakeDispatcher{queue: []string{"  \n "}}
	c, _ := testController(t, d, newFakeLibrary())

	ann, err := c.Annotate(context.Background(), testConfig(), "edna", "b1", "p")
	if err != nil {
		t.Fatal(err)
	}
	if ann.Comment != "…" {
		t.Errorf("comment = %q, want ellipsis placeholder", ann.Comment)
	}
}

func TestAnnotateProviderErrorPropagatesAndWritesNothing(t *testing.T) {
	d := &fakeDispatcher{err: &llm.ProviderError{Provider: "openai", Status: 500}}
	lib := newFakeLibrary()
	c, _ := testController(t, d, lib)

	_, err := c.Annotate(context.Background(), testConfig(), "edna", "b1", "p")
	var provErr *llm.ProviderError
	if !errors.As(err, &provErr) {
		t.Fatalf("want *ProviderError, got %v", err)
	}
	if len(lib.anns) != 0 {
		t.Error("failed operation must not write annotations")
	}
}

func TestAnnotateBusy(t *testing.T) {
	c, _ := testController(t, &fakeDispatcher{}, newFakeLibrary())

	if err := c.acquireBusy(); err != nil {
		t.Fatal(err)
	}
	_, err := c.Annotate(context.Background(), testConfig(), "edna", "b1", "p")
	if !errors.Is(err, ErrBusy) {
		t.Errorf("err = %v, want ErrBusy", err)
	}
}

func TestAutoScanDeduplicates(t *testing.T) {
	lib := newFakeLibrary()
	lib.AddAnnotation(library.Annotation{BookID: "b1", Anchor: "X", Author: library.AuthorAI})
	lib.AddAnnotation(library.Annotation{BookID: "b1", Anchor: "Y", Author: library.AuthorAI})

	d := &fakeDispatcher{queue: []string{
		`[{"passage":"X","comment":"again","topic":"t"},{"passage":"Z","comment":"new","topic":"t"}]`,
	}}
	c, _ := testController(t, d, lib)

	created := c.AutoScan(context.Background(), testConfig(), "edna", "b1", "page content")
	if len(created) != 1 {
		t.Fatalf("created %d annotations, want 1", len(created))
	}
	if created[0].Anchor != "Z" {
		t.Errorf("anchor = %q, want Z", created[0].Anchor)
	}
	if !created[0].Autonomous {
		t.Error("scan results must be flagged autonomous")
	}
}

func TestAutoScanClampsCount(t *testing.T) {
	tests := []struct {
		configured int
		wantPhrase string
	}{
		{0, "between 1 and 1"},
		{10, "between 1 and 5"},
		{3, "between 1 and 3"},
	}

	for _, tt := range tests {
		d := &fakeDispatcher{queue: []string{`[]`}}
		c, _ := testController(t, d, newFakeLibrary())

		cfg := testConfig()
		cfg.Behavior.AutoAnnotationCount = tt.configured

		c.AutoScan(context.Background(), cfg, "edna", "b1", fmt.Sprintf("page %d", tt.configured))
		prompt := d.lastReq(t).Turns[0].Text
		if !strings.Contains(prompt, tt.wantPhrase) {
			t.Errorf("configured %d: prompt missing %q", tt.configured, tt.wantPhrase)
		}
	}
}

func TestAutoScanMalformedDegradesToEmpty(t *testing.T) {
	d := &fakeDispatcher{queue: []string{"I would rather chat than emit JSON"}}
	lib := newFakeLibrary()
	c, _ := testController(t, d, lib)

	created := c.AutoScan(context.Background(), testConfig(), "edna", "b1", "page")
	if created != nil {
		t.Errorf("created = %v, want nil on malformed response", created)
	}
	if len(lib.anns) != 0 {
		t.Error("malformed scan must not write annotations")
	}
}

func TestAutoScanSamePageNotRescanned(t *testing.T) {
	d := &fakeDispatcher{queue: []string{`[]`, `[]`}}
	c, _ := testController(t, d, newFakeLibrary())

	cfg := testConfig()
	c.AutoScan(context.Background(), cfg, "edna", "b1", "identical page")
	c.AutoScan(context.Background(), cfg, "edna", "b1", "identical page")

	if len(d.reqs) != 1 {
		t.Errorf("dispatched %d times, want 1 (exact page content already scanned)", len(d.reqs))
	}
}

func TestAutoScanTransportFailureAllowsRetry(t *testing.T) {
	d := &fakeDispatcher{err: errors.New("connection refused")}
	c, _ := testController(t, d, newFakeLibrary())

	cfg := testConfig()
	c.AutoScan(context.Background(), cfg, "edna", "b1", "page")

	d.err = nil
	d.queue = []string{`[]`}
	c.AutoScan(context.Background(), cfg, "edna", "b1", "page")

	if len(d.reqs) != 2 {
		t.Errorf("dispatched %d times, want 2 (transport failure leaves page eligible)", len(d.reqs))
	}
}

func TestAutoScanIgnoredWhileInFlight(t *testing.T) {
	d := &fakeDispatcher{queue: []string{`[]`}}
	c, _ := testController(t, d, newFakeLibrary())

	c.mu.Lock()
	c.scanning = true
	c.mu.Unlock()

	if got := c.AutoScan(context.Background(), testConfig(), "edna", "b1", "page"); got != nil {
		t.Errorf("overlapping scan returned %v, want nil", got)
	}
	if len(d.reqs) != 0 {
		t.Error("overlapping scan must not dispatch")
	}
}

func TestAutoScanDisabled(t *testing.T) {
	d := &fakeDispatcher{}
	c, _ := testController(t, d, newFakeLibrary())

	cfg := testConfig()
	cfg.Behavior.AutoAnnotations = false
	if got := c.AutoScan(context.Background(), cfg, "edna", "b1", "page"); got != nil {
		t.Errorf("disabled scan returned %v", got)
	}
	if len(d.reqs) != 0 {
		t.Error("disabled scan must not dispatch")
	}
}

func TestTopicPinsLowTemperature(t *testing.T) {
	d := &fakeDispatcher{queue: []string{`"Pacing"`}}
	c, _ := testController(t, d, newFakeLibrary())

	got, err := c.TopicFor(context.Background(), testConfig(), "edna", "this drags")
	if err != nil {
		t.Fatal(err)
	}
	if got != "Pacing" {
		t.Errorf("topic = %q, want surrounding quotes stripped", got)
	}

	opts := d.lastReq(t).Opts
	if opts.Temperature == nil || *opts.Temperature != 0.3 {
		t.Errorf("temperature = %v, want fixed 0.3", opts.Temperature)
	}
}

func TestReplyToNoteEndToEnd(t *testing.T) {
	lib := newFakeLibrary()
	ann, _ := lib.AddAnnotation(library.Annotation{
		BookID:    "b1",
		PersonaID: "edna",
		Anchor:    "a meandering paragraph",
		Author:    library.AuthorUser,
		Comment:   "Too long-winded",
	})

	d := &fakeDispatcher{queue: []string{strings.Repeat("y", 150)}}
	c, _ := testController(t, d, lib)

	got, err := c.ReplyToNote(context.Background(), testConfig(), "edna", ann.ID, "Too long-winded")
	if err != nil {
		t.Fatal(err)
	}

	if got.Author != library.AuthorUser {
		t.Errorf("author = %q, must stay user", got.Author)
	}
	if len(got.Thread) != 2 {
		t.Fatalf("thread length = %d, want 2", len(got.Thread))
	}
	if got.Thread[0].Role != "user" || got.Thread[0].Text != "Too long-winded" {
		t.Errorf("thread[0] = %+v", got.Thread[0])
	}
	if got.Thread[1].Role != "model" {
		t.Errorf("thread[1] role = %q, want model", got.Thread[1].Role)
	}
	if n := len([]rune(got.Thread[1].Text)); n > 100 {
		t.Errorf("reply length = %d runes, want <= 100", n)
	}
}

func TestReplyToNoteFailureLeavesThreadUnmodified(t *testing.T) {
	lib := newFakeLibrary()
	ann, _ := lib.AddAnnotation(library.Annotation{BookID: "b1", Anchor: "a", Author: library.AuthorUser})

	d := &fakeDispatcher{err: errors.New("boom")}
	c, _ := testController(t, d, lib)

	if _, err := c.ReplyToNote(context.Background(), testConfig(), "edna", ann.ID, "note"); err == nil {
		t.Fatal("want error")
	}
	stored, _ := lib.GetAnnotation(ann.ID)
	if len(stored.Thread) != 0 {
		t.Errorf("thread = %+v, want untouched", stored.Thread)
	}
}

func TestChatTurnCarriesFullThread(t *testing.T) {
	lib := newFakeLibrary()
	ann, _ := lib.AddAnnotation(library.Annotation{
		BookID:  "b1",
		Anchor:  "anchor text",
		Author:  library.AuthorAI,
		Comment: "first remark",
		Thread: []library.ChatTurn{
			{Role: "user", Text: "really?"},
			{Role: "model", Text: "really."},
		},
	})

	d := &fakeDispatcher{queue: []string{"fine, convince me"}}
	c, _ := testController(t, d, lib)

	got, err := c.ChatTurn(context.Background(), testConfig(), "edna", ann.ID, "prove it")
	if err != nil {
		t.Fatal(err)
	}

	turns := d.lastReq(t).Turns
	// Framing turn, opening remark, two thread turns, newest message.
	if len(turns) != 5 {
		t.Fatalf("dispatched %d turns, want 5: %+v", len(turns), turns)
	}
	last := turns[len(turns)-1]
	if last.Role != llm.RoleUser || last.Text != "prove it" {
		t.Errorf("terminal turn = %+v, must be the newest user input", last)
	}

	if len(got.Thread) != 4 {
		t.Errorf("stored thread length = %d, want 4", len(got.Thread))
	}
}

func TestReviewUsesStrongModel(t *testing.T) {
	d := &fakeDispatcher{queue: []string{"a review"}}
	lib := newFakeLibrary()
	lib.AddAnnotation(library.Annotation{BookID: "b1", PersonaID: "edna", Anchor: "x", Comment: "note one"})
	c, _ := testController(t, d, lib)

	cfg := testConfig()
	cfg.Engine.StrongModel = "big-model"

	if _, err := c.Review(context.Background(), cfg, "edna", library.Book{ID: "b1", Title: "T", Author: "A"}); err != nil {
		t.Fatal(err)
	}
	if got := d.lastReq(t).Opts.Model; got != "big-model" {
		t.Errorf("model = %q, want strong model override", got)
	}
}

func TestConsolidateMemoryUpdatesPersona(t *testing.T) {
	lib := newFakeLibrary()
	lib.AddAnnotation(library.Annotation{BookID: "b1", PersonaID: "edna", Anchor: "x", Comment: "hated the prologue"})

	d := &fakeDispatcher{queue: []string{"I keep noticing prologues annoy me."}}
	c, reg := testController(t, d, lib)

	cfg := testConfig()
	got, err := c.ConsolidateMemory(context.Background(), cfg, "edna")
	if err != nil {
		t.Fatal(err)
	}
	if got != "I keep noticing prologues annoy me." {
		t.Errorf("memory = %q", got)
	}

	p, _ := reg.Get("edna")
	if p.Memory != got {
		t.Error("registry memory not updated")
	}

	opts := d.lastReq(t).Opts
	if opts.Temperature == nil || *opts.Temperature != 0.5 {
		t.Errorf("temperature = %v, want fixed 0.5", opts.Temperature)
	}
}

func TestConsolidateMemoryEmptyIsFailure(t *testing.T) {
	d := &fakeDispatcher{queue: []string{"   "}}
	c, reg := testController(t, d, newFakeLibrary())

	if err := reg.UpdateMemory("edna", "existing memory"); err != nil {
		t.Fatal(err)
	}

	_, err := c.ConsolidateMemory(context.Background(), testConfig(), "edna")
	if !errors.Is(err, ErrEmptyConsolidation) {
		t.Fatalf("err = %v, want ErrEmptyConsolidation", err)
	}

	p, _ := reg.Get("edna")
	if p.Memory != "existing memory" {
		t.Error("empty result must never erase memory")
	}
}

func TestConsolidateSourceWindowTruncated(t *testing.T) {
	lib := newFakeLibrary()
	for i := 0; i < 60; i++ {
		lib.AddAnnotation(library.Annotation{
			BookID:    "b1",
			PersonaID: "edna",
			Anchor:    fmt.Sprintf("a%d", i),
			Comment:   strings.Repeat("x", 200),
		})
	}

	d := &fakeDispatcher{queue: []string{"m"}}
	c, _ := testController(t, d, lib)

	if _, err := c.ConsolidateMemory(context.Background(), testConfig(), "edna"); err != nil {
		t.Fatal(err)
	}

	prompt := d.lastReq(t).Turns[0].Text
	if len(prompt) > consolidateSourceBudget+1000 {
		t.Errorf("prompt length %d exceeds the bounded source window", len(prompt))
	}
}
