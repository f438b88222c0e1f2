// Package backup snapshots the library and persona state to a private
// GitHub gist and restores it back. Snapshots are a single JSON file so
// the gist history doubles as a backup history.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gogithub "github.com/google/go-github/v69/github"

	"github.com/nvollmar/marginalia/internal/library"
	"github.com/nvollmar/marginalia/internal/persona"
)

// snapshotFile is the filename inside the gist.
const snapshotFile = "marginalia-backup.json"

// snapshotVersion guards against restoring a snapshot written by an
// incompatible release.
const snapshotVersion = 1

// Snapshot is the full persisted state of a library.
type Snapshot struct {
	Version     int                  `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	Books       []library.Book       `json:"books"`
	Annotations []library.Annotation `json:"annotations"`
	Personas    []persona.Persona    `json:"personas"`
}

// Library is the slice of the store the backup needs.
type Library interface {
	ListBooks() ([]library.Book, error)
	ListAnnotations(bookID string) ([]library.Annotation, error)
	AddBook(b library.Book) (library.Book, error)
	AddAnnotation(a library.Annotation) (library.Annotation, error)
}

// Gist pushes and pulls snapshots through the GitHub gists API.
type Gist struct {
	client   *gogithub.Client
	gistID   string
	store    Library
	personas *persona.Registry
	logger   *slog.Logger
}

// NewGist creates a gist backup client. baseURL overrides the API
// endpoint; empty means github.com.
func NewGist(httpClient *http.Client, token, baseURL, gistID string, store Library, personas *persona.Registry, logger *slog.Logger) (*Gist, error) {
	if token == "" {
		return nil, fmt.Errorf("backup: github token required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := gogithub.NewClient(httpClient).WithAuthToken(token)
	if baseURL != "" {
		var err error
		client, err = client.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("backup: base url: %w", err)
		}
	}

	return &Gist{
		client:   client,
		gistID:   gistID,
		store:    store,
		personas: personas,
		logger:   logger.With("component", "backup"),
	}, nil
}

// GistID returns the gist the backup writes to. It is empty until the
// first push creates one.
func (g *Gist) GistID() string {
	return g.gistID
}

// checkRateLimit logs a warning when remaining API calls drop below
// threshold.
func checkRateLimit(logger *slog.Logger, resp *gogithub.Response) {
	if resp == nil {
		return
	}
	if resp.Rate.Remaining < 100 {
		logger.Warn("github rate limit low",
			"remaining", resp.Rate.Remaining,
			"reset", resp.Rate.Reset.Time,
		)
	}
}

// collect assembles the current state into a snapshot.
func (g *Gist) collect() (Snapshot, error) {
	snap := Snapshot{
		Version:   snapshotVersion,
		CreatedAt: time.Now().UTC(),
		Personas:  g.personas.All(),
	}

	books, err := g.store.ListBooks()
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: list books: %w", err)
	}
	snap.Books = books

	for _, b := range books {
		anns, err := g.store.ListAnnotations(b.ID)
		if err != nil {
			return Snapshot{}, fmt.Errorf("backup: list annotations for %s: %w", b.ID, err)
		}
		snap.Annotations = append(snap.Annotations, anns...)
	}
	return snap, nil
}

// Push writes the current state to the gist. When no gist is configured
// a new private gist is created and its ID retained for subsequent
// pushes.
func (g *Gist) Push(ctx context.Context) (string, error) {
	snap, err := g.collect()
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("backup: encode snapshot: %w", err)
	}

	content := string(data)
	desc := fmt.Sprintf("marginalia backup (%d books, %d annotations)", len(snap.Books), len(snap.Annotations))
	private := false
	gist := &gogithub.Gist{
		Description: &desc,
		Public:      &private,
		Files: map[gogithub.GistFilename]gogithub.GistFile{
			snapshotFile: {Content: &content},
		},
	}

	if g.gistID == "" {
		created, resp, err := g.client.Gists.Create(ctx, gist)
		if err != nil {
			return "", fmt.Errorf("backup: create gist: %w", err)
		}
		checkRateLimit(g.logger, resp)
		g.gistID = created.GetID()
	} else {
		_, resp, err := g.client.Gists.Edit(ctx, g.gistID, gist)
		if err != nil {
			return "", fmt.Errorf("backup: update gist: %w", err)
		}
		checkRateLimit(g.logger, resp)
	}

	g.logger.Info("backup pushed",
		"gist", g.gistID,
		"books", len(snap.Books),
		"annotations", len(snap.Annotations),
	)
	return g.gistID, nil
}

// Pull fetches the snapshot from the gist and merges it into the store.
// Existing rows win: restore only inserts what is missing, so a pull
// onto a live library never clobbers local work.
func (g *Gist) Pull(ctx context.Context) (Snapshot, error) {
	if g.gistID == "" {
		return Snapshot{}, fmt.Errorf("backup: no gist configured")
	}

	gist, resp, err := g.client.Gists.Get(ctx, g.gistID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("backup: fetch gist: %w", err)
	}
	checkRateLimit(g.logger, resp)

	file, ok := gist.Files[snapshotFile]
	if !ok {
		return Snapshot{}, fmt.Errorf("backup: gist %s has no %s", g.gistID, snapshotFile)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(file.GetContent()), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("backup: decode snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("backup: snapshot version %d not supported", snap.Version)
	}

	if err := g.restore(snap); err != nil {
		return Snapshot{}, err
	}

	g.logger.Info("backup restored",
		"gist", g.gistID,
		"books", len(snap.Books),
		"annotations", len(snap.Annotations),
	)
	return snap, nil
}

// restore inserts snapshot rows that are not already present.
func (g *Gist) restore(snap Snapshot) error {
	existingBooks := make(map[string]bool)
	books, err := g.store.ListBooks()
	if err != nil {
		return fmt.Errorf("backup: list books: %w", err)
	}
	for _, b := range books {
		existingBooks[b.ID] = true
	}

	for _, b := range snap.Books {
		if existingBooks[b.ID] {
			continue
		}
		if _, err := g.store.AddBook(b); err != nil {
			return fmt.Errorf("backup: restore book %s: %w", b.ID, err)
		}
	}

	existingAnns := make(map[string]bool)
	for _, b := range snap.Books {
		anns, err := g.store.ListAnnotations(b.ID)
		if err != nil {
			return fmt.Errorf("backup: list annotations: %w", err)
		}
		for _, a := range anns {
			existingAnns[a.ID] = true
		}
	}
	for _, a := range snap.Annotations {
		if existingAnns[a.ID] {
			continue
		}
		if _, err := g.store.AddAnnotation(a); err != nil {
			return fmt.Errorf("backup: restore annotation %s: %w", a.ID, err)
		}
	}

	for _, p := range snap.Personas {
		if p.BuiltIn {
			// Only the memory survives for built-ins.
			if err := g.personas.UpdateMemory(p.ID, p.Memory); err != nil {
				return fmt.Errorf("backup: restore persona %s: %w", p.ID, err)
			}
			continue
		}
		if _, err := g.personas.Get(p.ID); err == nil {
			continue
		}
		if _, err := g.personas.Add(p); err != nil {
			return fmt.Errorf("backup: restore persona %s: %w", p.ID, err)
		}
	}
	return nil
}
