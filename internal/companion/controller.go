// Package companion orchestrates the annotation and memory lifecycle:
// single annotations, autonomous page scans, threaded chat, reviews,
// and long-term memory consolidation. It owns the single-flight and
// deduplication policy; provider selection and wire formats live in
// internal/llm.
package companion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/library"
	"github.com/nvollmar/marginalia/internal/llm"
	"github.com/nvollmar/marginalia/internal/persona"
	"github.com/nvollmar/marginalia/internal/prompts"
)

const (
	// annotationMaxChars caps short annotation output, in runes.
	annotationMaxChars = 100

	// placeholder substitutes for an empty model response on
	// free-text annotation operations.
	placeholder = "…"

	// topicTemperature keeps topic labels terse regardless of how hot
	// the user runs the session.
	topicTemperature = 0.3

	// consolidateTemperature trades spontaneity for coherence during
	// memory consolidation.
	consolidateTemperature = 0.5

	// consolidateSourceBudget hard-truncates the recent-notes window so
	// consolidation prompts stay bounded.
	consolidateSourceBudget = 4000

	// consolidateRecentLimit is how many recent comments feed a
	// consolidation before the character budget applies.
	consolidateRecentLimit = 50

	// Autonomous scan count bounds.
	scanCountMin = 1
	scanCountMax = 5
)

// ErrBusy is returned when an explicit user-triggered generation is
// already in flight. Background scans do not set or observe it.
var ErrBusy = errors.New("a generation request is already running")

// ErrEmptyConsolidation is returned when the model responds to a
// consolidation request with no text. The previous memory is kept: a
// flaky provider must never be able to erase a persona's memory.
var ErrEmptyConsolidation = errors.New("consolidation produced no text")

// Dispatcher routes generation requests to the configured provider.
// *llm.Router implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, cfg config.EngineConfig, req llm.Request) (string, error)
}

// Library is the slice of the library store the controller needs.
type Library interface {
	AddAnnotation(a library.Annotation) (library.Annotation, error)
	GetAnnotation(id string) (library.Annotation, error)
	ListAnnotations(bookID string) ([]library.Annotation, error)
	Anchors(bookID string) (map[string]bool, error)
	SetThread(annotationID string, thread []library.ChatTurn) error
	RecentComments(personaID string, limit int) ([]string, error)
}

// Controller drives the annotation/memory lifecycle. Engine and
// behavior settings are passed into every call as values: the
// controller holds policy state (guards), never configuration.
type Controller struct {
	dispatcher Dispatcher
	store      Library
	personas   *persona.Registry
	logger     *slog.Logger

	mu          sync.Mutex
	busy        bool   // serializes explicit user-triggered generations
	scanning    bool   // single-flight for autonomous scans
	lastScanned string // exact content of the page already scanned
}

// New creates a lifecycle controller.
func New(dispatcher Dispatcher, store Library, personas *persona.Registry, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		dispatcher: dispatcher,
		store:      store,
		personas:   personas,
		logger:     logger.With("component", "companion"),
	}
}

// acquireBusy takes the user-generation slot. Double clicks and rapid
// repeat requests fail fast instead of stacking duplicate annotations.
func (c *Controller) acquireBusy() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return ErrBusy
	}
	c.busy = true
	return nil
}

func (c *Controller) releaseBusy() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Annotate produces a single annotation for one passage. User
// initiated: provider errors propagate and nothing is written on
// failure. An empty model response degrades to a placeholder remark.
func (c *Controller) Annotate(ctx context.Context, cfg config.Config, personaID, bookID, passage string) (library.Annotation, error) {
	if err := c.acquireBusy(); err != nil {
		return library.Annotation{}, err
	}
	defer c.releaseBusy()

	p, err := c.personas.Get(personaID)
	if err != nil {
		return library.Annotation{}, err
	}

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  []llm.Turn{{Role: llm.RoleUser, Text: prompts.AnnotatePassage(passage)}},
	})
	if err != nil {
		return library.Annotation{}, fmt.Errorf("annotate: %w", err)
	}

	comment := truncate(strings.TrimSpace(text), annotationMaxChars)
	if comment == "" {
		comment = placeholder
	}

	ann, err := c.store.AddAnnotation(library.Annotation{
		BookID:    bookID,
		PersonaID: personaID,
		Anchor:    passage,
		Author:    library.AuthorAI,
		Comment:   comment,
	})
	if err != nil {
		return library.Annotation{}, fmt.Errorf("save annotation: %w", err)
	}

	c.logger.Debug("annotation created", "book", bookID, "persona", personaID)
	return ann, nil
}

// scanItem is the triple the autonomous scan asks the model for.
type scanItem struct {
	Passage string `json:"passage"`
	Comment string `json:"comment"`
	Topic   string `json:"topic"`
}

// AutoScan requests annotations for the current page in the background.
// It never surfaces an error: all failures degrade to an empty result
// and a log line. A second scan is ignored while one is in flight, and
// a page whose exact content was already scanned is not scanned again.
func (c *Controller) AutoScan(ctx context.Context, cfg config.Config, personaID, bookID, pageContent string) []library.Annotation {
	if !cfg.Behavior.AutoAnnotations || strings.TrimSpace(pageContent) == "" {
		return nil
	}

	c.mu.Lock()
	if c.scanning || c.lastScanned == pageContent {
		c.mu.Unlock()
		return nil
	}
	c.scanning = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.scanning = false
		c.mu.Unlock()
	}()

	p, err := c.personas.Get(personaID)
	if err != nil {
		c.logger.Warn("scan skipped", "error", err)
		return nil
	}

	count := clamp(cfg.Behavior.AutoAnnotationCount, scanCountMin, scanCountMax)

	raw, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  []llm.Turn{{Role: llm.RoleUser, Text: prompts.ScanPage(pageContent, count)}},
		Opts:   llm.Options{JSON: true},
	})
	if err != nil {
		// Transport failure: leave the page eligible for a retry on the
		// next observation.
		c.logger.Warn("scan failed", "book", bookID, "error", err)
		return nil
	}

	c.markScanned(pageContent)

	var items []scanItem
	if err := llm.ParseArray(raw, &items); err != nil {
		c.logger.Warn("scan response unparseable", "book", bookID, "error", err)
		return nil
	}

	anchors, err := c.store.Anchors(bookID)
	if err != nil {
		c.logger.Warn("scan dedup query failed", "book", bookID, "error", err)
		return nil
	}

	var created []library.Annotation
	for _, item := range items {
		if len(created) >= count {
			break
		}
		anchor := item.Passage
		if anchor == "" || anchors[anchor] {
			continue
		}
		anchors[anchor] = true // also dedup within this batch

		ann, err := c.store.AddAnnotation(library.Annotation{
			BookID:     bookID,
			PersonaID:  personaID,
			Anchor:     anchor,
			Author:     library.AuthorAI,
			Comment:    truncate(strings.TrimSpace(item.Comment), annotationMaxChars),
			Topic:      item.Topic,
			Autonomous: true,
		})
		if err != nil {
			c.logger.Warn("scan annotation save failed", "book", bookID, "error", err)
			continue
		}
		created = append(created, ann)
	}

	c.logger.Info("autonomous scan complete",
		"book", bookID,
		"offered", len(items),
		"accepted", len(created),
	)
	return created
}

// markScanned records the page content as consumed.
func (c *Controller) markScanned(pageContent string) {
	c.mu.Lock()
	c.lastScanned = pageContent
	c.mu.Unlock()
}

// TopicFor produces a terse topic label for a comment. Temperature is
// pinned low so labels stay short and repeatable.
func (c *Controller) TopicFor(ctx context.Context, cfg config.Config, personaID, comment string) (string, error) {
	p, err := c.personas.Get(personaID)
	if err != nil {
		return "", err
	}

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  []llm.Turn{{Role: llm.RoleUser, Text: prompts.TopicLabel(comment)}},
		Opts:   llm.Options{Temperature: llm.Temp(topicTemperature)},
	})
	if err != nil {
		return "", fmt.Errorf("topic: %w", err)
	}

	return strings.Trim(strings.TrimSpace(text), `"`), nil
}

// ReplyToNote answers a note the user wrote on a passage. On success
// the annotation's thread gains exactly two turns: the user's note and
// the persona's reply (capped like any short annotation). On failure
// nothing is written.
func (c *Controller) ReplyToNote(ctx context.Context, cfg config.Config, personaID, annotationID, note string) (library.Annotation, error) {
	if err := c.acquireBusy(); err != nil {
		return library.Annotation{}, err
	}
	defer c.releaseBusy()

	ann, err := c.store.GetAnnotation(annotationID)
	if err != nil {
		return library.Annotation{}, err
	}
	p, err := c.personas.Get(personaID)
	if err != nil {
		return library.Annotation{}, err
	}

	turns := threadTurns(ann.Thread)
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Text: prompts.NoteReply(ann.Anchor, note)})

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  turns,
	})
	if err != nil {
		return library.Annotation{}, fmt.Errorf("note reply: %w", err)
	}

	reply := truncate(strings.TrimSpace(text), annotationMaxChars)
	if reply == "" {
		reply = placeholder
	}

	now := time.Now().UTC()
	thread := append(ann.Thread,
		library.ChatTurn{Role: llm.RoleUser, Text: note, At: now},
		library.ChatTurn{Role: llm.RoleModel, Text: reply, At: now},
	)
	if err := c.store.SetThread(ann.ID, thread); err != nil {
		return library.Annotation{}, fmt.Errorf("save thread: %w", err)
	}

	ann.Thread = thread
	return ann, nil
}

// ChatTurn continues an annotation's conversation. The full prior
// thread rides along for context and replies are not length-capped.
func (c *Controller) ChatTurn(ctx context.Context, cfg config.Config, personaID, annotationID, message string) (library.Annotation, error) {
	if err := c.acquireBusy(); err != nil {
		return library.Annotation{}, err
	}
	defer c.releaseBusy()

	ann, err := c.store.GetAnnotation(annotationID)
	if err != nil {
		return library.Annotation{}, err
	}
	p, err := c.personas.Get(personaID)
	if err != nil {
		return library.Annotation{}, err
	}

	turns := []llm.Turn{{Role: llm.RoleUser, Text: prompts.ChatContext(ann.Anchor)}}
	if ann.Comment != "" {
		turns = append(turns, llm.Turn{Role: llm.RoleModel, Text: ann.Comment})
	}
	turns = append(turns, threadTurns(ann.Thread)...)
	turns = append(turns, llm.Turn{Role: llm.RoleUser, Text: message})

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  turns,
	})
	if err != nil {
		return library.Annotation{}, fmt.Errorf("chat: %w", err)
	}

	reply := strings.TrimSpace(text)
	if reply == "" {
		reply = placeholder
	}

	now := time.Now().UTC()
	thread := append(ann.Thread,
		library.ChatTurn{Role: llm.RoleUser, Text: message, At: now},
		library.ChatTurn{Role: llm.RoleModel, Text: reply, At: now},
	)
	if err := c.store.SetThread(ann.ID, thread); err != nil {
		return library.Annotation{}, fmt.Errorf("save thread: %w", err)
	}

	ann.Thread = thread
	return ann, nil
}

// Review writes a long-form review of a book from the persona's notes.
// The stronger model is preferred when configured; the short-remark cap
// does not apply.
func (c *Controller) Review(ctx context.Context, cfg config.Config, personaID string, book library.Book) (string, error) {
	if err := c.acquireBusy(); err != nil {
		return "", err
	}
	defer c.releaseBusy()

	p, err := c.personas.Get(personaID)
	if err != nil {
		return "", err
	}

	anns, err := c.store.ListAnnotations(book.ID)
	if err != nil {
		return "", fmt.Errorf("list annotations: %w", err)
	}
	var notes strings.Builder
	for _, a := range anns {
		if a.PersonaID != personaID || a.Comment == "" {
			continue
		}
		fmt.Fprintf(&notes, "- %s\n", a.Comment)
	}
	if notes.Len() == 0 {
		notes.WriteString("(no notes taken)\n")
	}

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  []llm.Turn{{Role: llm.RoleUser, Text: prompts.Review(book.Title, book.Author, notes.String())}},
		Opts:   llm.Options{Model: cfg.Engine.StrongModel},
	})
	if err != nil {
		return "", fmt.Errorf("review: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// ReviewReply reacts to the reader's own rating and review text.
func (c *Controller) ReviewReply(ctx context.Context, cfg config.Config, personaID string, rating int, review string) (string, error) {
	if err := c.acquireBusy(); err != nil {
		return "", err
	}
	defer c.releaseBusy()

	p, err := c.personas.Get(personaID)
	if err != nil {
		return "", err
	}

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		System: prompts.System(p.Voice, p.Memory),
		Turns:  []llm.Turn{{Role: llm.RoleUser, Text: prompts.ReviewReply(rating, review)}},
		Opts:   llm.Options{Model: cfg.Engine.StrongModel},
	})
	if err != nil {
		return "", fmt.Errorf("review reply: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// ConsolidateMemory merges the persona's memory with a bounded window
// of its recent annotation activity and persists the result. An empty
// model response is a failure: the previous memory always survives.
func (c *Controller) ConsolidateMemory(ctx context.Context, cfg config.Config, personaID string) (string, error) {
	p, err := c.personas.Get(personaID)
	if err != nil {
		return "", err
	}

	comments, err := c.store.RecentComments(personaID, consolidateRecentLimit)
	if err != nil {
		return "", fmt.Errorf("recent comments: %w", err)
	}
	var recent strings.Builder
	for _, comment := range comments {
		fmt.Fprintf(&recent, "- %s\n", comment)
	}

	text, err := c.dispatcher.Dispatch(ctx, cfg.Engine, llm.Request{
		// Memory rides in the task prompt here, not the system block:
		// the model rewrites it rather than obeying it.
		System: prompts.System(p.Voice, ""),
		Turns: []llm.Turn{{
			Role: llm.RoleUser,
			Text: prompts.Consolidate(p.Memory, truncate(recent.String(), consolidateSourceBudget)),
		}},
		Opts: llm.Options{
			Temperature: llm.Temp(consolidateTemperature),
			Model:       cfg.Engine.StrongModel,
		},
	})
	if err != nil {
		return "", fmt.Errorf("consolidate: %w", err)
	}

	memory := strings.TrimSpace(text)
	if memory == "" {
		return "", ErrEmptyConsolidation
	}

	if err := c.personas.UpdateMemory(personaID, memory); err != nil {
		return "", err
	}

	c.logger.Info("memory consolidated", "persona", personaID, "memory_len", len(memory))
	return memory, nil
}

// threadTurns converts a stored thread to conversation turns.
func threadTurns(thread []library.ChatTurn) []llm.Turn {
	turns := make([]llm.Turn, 0, len(thread))
	for _, t := range thread {
		turns = append(turns, llm.Turn{Role: t.Role, Text: t.Text})
	}
	return turns
}

// truncate cuts s to at most max runes, preserving whole runes.
func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// clamp bounds n to [lo, hi].
func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
