package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nvollmar/marginalia/internal/library"
	"github.com/nvollmar/marginalia/internal/persona"
)

// memLibrary is an in-memory Library for backup tests.
type memLibrary struct {
	books map[string]library.Book
	anns  map[string]library.Annotation
}

func newMemLibrary() *memLibrary {
	return &memLibrary{
		books: make(map[string]library.Book),
		anns:  make(map[string]library.Annotation),
	}
}

func (l *memLibrary) ListBooks() ([]library.Book, error) {
	var out []library.Book
	for _, b := range l.books {
		out = append(out, b)
	}
	return out, nil
}

func (l *memLibrary) ListAnnotations(bookID string) ([]library.Annotation, error) {
	var out []library.Annotation
	for _, a := range l.anns {
		if a.BookID == bookID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *memLibrary) AddBook(b library.Book) (library.Book, error) {
	l.books[b.ID] = b
	return b, nil
}

func (l *memLibrary) AddAnnotation(a library.Annotation) (library.Annotation, error) {
	l.anns[a.ID] = a
	return a, nil
}

// newTestGist creates a gist client backed by the given handler. The
// test server is closed automatically when the test finishes.
func newTestGist(t *testing.T, handler http.Handler, gistID string, store Library, reg *persona.Registry) *Gist {
	t.Helper()

	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	g, err := NewGist(ts.Client(), "test-token", ts.URL, gistID, store, reg, logger)
	if err != nil {
		t.Fatalf("NewGist: %v", err)
	}
	return g
}

func testRegistry(t *testing.T) *persona.Registry {
	t.Helper()
	reg, err := persona.NewRegistry(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func TestPushCreatesGistWhenUnconfigured(t *testing.T) {
	store := newMemLibrary()
	store.AddBook(library.Book{ID: "b1", Title: "T", Author: "A"})
	store.AddAnnotation(library.Annotation{ID: "a1", BookID: "b1", Anchor: "x", Comment: "c"})

	var created map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v3/gists", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&created); err != nil {
			t.Fatal(err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gist-123"}`)
	})

	g := newTestGist(t, mux, "", store, testRegistry(t))

	id, err := g.Push(context.Background())
	if err != nil {
		t.Fatalf("Push: %v", err)
	}
	if id != "gist-123" {
		t.Errorf("gist id = %q, want gist-123", id)
	}
	if g.GistID() != "gist-123" {
		t.Error("gist id not retained for the next push")
	}

	if pub, ok := created["public"].(bool); !ok || pub {
		t.Error("backup gist must be private")
	}
	files := created["files"].(map[string]any)
	if _, ok := files[snapshotFile]; !ok {
		t.Errorf("gist files = %v, want %s", files, snapshotFile)
	}
}

func TestPushUpdatesConfiguredGist(t *testing.T) {
	var patched bool
	mux := http.NewServeMux()
	mux.HandleFunc("PATCH /api/v3/gists/gist-9", func(w http.ResponseWriter, _ *http.Request) {
		patched = true
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"gist-9"}`)
	})

	g := newTestGist(t, mux, "gist-9", newMemLibrary(), testRegistry(t))

	if _, err := g.Push(context.Background()); err != nil {
		t.Fatalf("Push: %v", err)
	}
	if !patched {
		t.Error("configured gist must be edited, not recreated")
	}
}

func TestPullRestoresMissingRows(t *testing.T) {
	snap := Snapshot{
		Version: snapshotVersion,
		Books: []library.Book{
			{ID: "b1", Title: "Old", Author: "A"},
			{ID: "b2", Title: "New", Author: "B"},
		},
		Annotations: []library.Annotation{
			{ID: "a1", BookID: "b1", Anchor: "x"},
			{ID: "a2", BookID: "b2", Anchor: "y"},
		},
		Personas: []persona.Persona{
			{ID: "edna", BuiltIn: true, Memory: "remembered things"},
			{ID: "custom-1", Name: "Pat"},
		},
	}
	content, _ := json.Marshal(snap)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/gists/gist-9", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "gist-9",
			"files": map[string]any{
				snapshotFile: map[string]any{"content": string(content)},
			},
		})
	})

	store := newMemLibrary()
	// b1/a1 already exist locally with different content; they must win.
	store.AddBook(library.Book{ID: "b1", Title: "Local", Author: "A"})
	store.AddAnnotation(library.Annotation{ID: "a1", BookID: "b1", Anchor: "local"})

	reg := testRegistry(t)
	g := newTestGist(t, mux, "gist-9", store, reg)

	if _, err := g.Pull(context.Background()); err != nil {
		t.Fatalf("Pull: %v", err)
	}

	if store.books["b1"].Title != "Local" {
		t.Error("existing book overwritten by restore")
	}
	if _, ok := store.books["b2"]; !ok {
		t.Error("missing book not restored")
	}
	if store.anns["a1"].Anchor != "local" {
		t.Error("existing annotation overwritten by restore")
	}
	if _, ok := store.anns["a2"]; !ok {
		t.Error("missing annotation not restored")
	}

	edna, err := reg.Get("edna")
	if err != nil {
		t.Fatal(err)
	}
	if edna.Memory != "remembered things" {
		t.Error("built-in memory not restored")
	}
	if _, err := reg.Get("custom-1"); err != nil {
		t.Error("user persona not restored")
	}
}

func TestPullRejectsUnknownVersion(t *testing.T) {
	content, _ := json.Marshal(Snapshot{Version: 99})
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v3/gists/gist-9", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id": "gist-9",
			"files": map[string]any{
				snapshotFile: map[string]any{"content": string(content)},
			},
		})
	})

	g := newTestGist(t, mux, "gist-9", newMemLibrary(), testRegistry(t))
	if _, err := g.Pull(context.Background()); err == nil {
		t.Fatal("want version mismatch error")
	}
}

func TestPullWithoutGistFails(t *testing.T) {
	g := newTestGist(t, http.NewServeMux(), "", newMemLibrary(), testRegistry(t))
	if _, err := g.Pull(context.Background()); err == nil {
		t.Fatal("want error when no gist configured")
	}
}

func TestNewGistRequiresToken(t *testing.T) {
	if _, err := NewGist(nil, "", "", "", newMemLibrary(), nil, nil); err == nil {
		t.Fatal("want error for empty token")
	}
}
