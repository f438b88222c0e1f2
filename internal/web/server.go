// Package web implements the reader-facing HTTP API and the WebSocket
// event stream.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nvollmar/marginalia/internal/backup"
	"github.com/nvollmar/marginalia/internal/buildinfo"
	"github.com/nvollmar/marginalia/internal/companion"
	"github.com/nvollmar/marginalia/internal/config"
	"github.com/nvollmar/marginalia/internal/library"
	"github.com/nvollmar/marginalia/internal/persona"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ModelLister lists the models the configured provider offers.
// *llm.Router implements it.
type ModelLister interface {
	ListModels(ctx context.Context, cfg config.EngineConfig) ([]string, error)
}

// Server is the HTTP API server.
type Server struct {
	cfg          config.Config
	controller   *companion.Controller
	consolidator *companion.Consolidator
	store        *library.Store
	personas     *persona.Registry
	models       ModelLister
	backup       *backup.Gist
	hub          *Hub
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates the API server.
func NewServer(cfg config.Config, controller *companion.Controller, consolidator *companion.Consolidator, store *library.Store, personas *persona.Registry, models ModelLister, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:          cfg,
		controller:   controller,
		consolidator: consolidator,
		store:        store,
		personas:     personas,
		models:       models,
		hub:          NewHub(logger),
		logger:       logger.With("component", "web"),
	}
}

// SetBackup configures the gist backup endpoints.
func (s *Server) SetBackup(g *backup.Gist) {
	s.backup = g
}

// Hub exposes the event hub so background workers can broadcast.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /v1/models", s.handleModels)

	mux.HandleFunc("POST /v1/books", s.handleBookCreate)
	mux.HandleFunc("GET /v1/books", s.handleBookList)
	mux.HandleFunc("GET /v1/books/{id}", s.handleBookGet)
	mux.HandleFunc("DELETE /v1/books/{id}", s.handleBookDelete)

	mux.HandleFunc("GET /v1/books/{id}/annotations", s.handleAnnotationList)
	mux.HandleFunc("POST /v1/books/{id}/annotate", s.handleAnnotate)
	mux.HandleFunc("POST /v1/books/{id}/scan", s.handleScan)
	mux.HandleFunc("POST /v1/books/{id}/review", s.handleReview)
	mux.HandleFunc("DELETE /v1/annotations/{id}", s.handleAnnotationDelete)

	mux.HandleFunc("POST /v1/annotations/{id}/note", s.handleNote)
	mux.HandleFunc("POST /v1/annotations/{id}/chat", s.handleChat)

	mux.HandleFunc("POST /v1/topic", s.handleTopic)
	mux.HandleFunc("POST /v1/reviews/reply", s.handleReviewReply)

	mux.HandleFunc("GET /v1/personas", s.handlePersonaList)
	mux.HandleFunc("POST /v1/personas", s.handlePersonaCreate)
	mux.HandleFunc("PUT /v1/personas/{id}", s.handlePersonaUpdate)
	mux.HandleFunc("DELETE /v1/personas/{id}", s.handlePersonaDelete)
	mux.HandleFunc("POST /v1/personas/{id}/consolidate", s.handleConsolidate)

	mux.HandleFunc("POST /v1/backup/push", s.handleBackupPush)
	mux.HandleFunc("POST /v1/backup/pull", s.handleBackupPull)

	mux.Handle("GET /v1/events", s.hub)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Listen.Address, s.cfg.Listen.Port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // generation calls can run long
	}

	s.logger.Info("starting API server", "address", s.cfg.Listen.Address, "port", s.cfg.Listen.Port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// operationError maps controller failures to HTTP status codes.
func (s *Server) operationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, companion.ErrBusy):
		s.errorResponse(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("operation failed", "error", err)
		s.errorResponse(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.errorResponse(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "marginalia",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.models.ListModels(r.Context(), s.cfg.Engine)
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"models": models}, s.logger)
}

func (s *Server) handleBookCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  string `json:"title"`
		Author string `json:"author"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title required")
		return
	}

	book, err := s.store.AddBook(library.Book{Title: req.Title, Author: req.Author})
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, book, s.logger)
}

func (s *Server) handleBookList(w http.ResponseWriter, _ *http.Request) {
	books, err := s.store.ListBooks()
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"books": books}, s.logger)
}

func (s *Server) handleBookGet(w http.ResponseWriter, r *http.Request) {
	book, err := s.store.GetBook(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, book, s.logger)
}

func (s *Server) handleBookDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteBook(r.PathValue("id")); err != nil {
		s.operationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnnotationList(w http.ResponseWriter, r *http.Request) {
	anns, err := s.store.ListAnnotations(r.PathValue("id"))
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"annotations": anns}, s.logger)
}

func (s *Server) handleAnnotationDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteAnnotation(r.PathValue("id")); err != nil {
		s.operationError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAnnotate(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("id")
	var req struct {
		PersonaID string `json:"persona_id"`
		Passage   string `json:"passage"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Passage == "" {
		s.errorResponse(w, http.StatusBadRequest, "passage required")
		return
	}

	ann, err := s.controller.Annotate(r.Context(), s.cfg, req.PersonaID, bookID, req.Passage)
	if err != nil {
		s.operationError(w, err)
		return
	}

	s.hub.Broadcast(EventAnnotationCreated, ann)
	s.observeCount(r.Context(), req.PersonaID, bookID)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, ann, s.logger)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("id")
	var req struct {
		PersonaID   string `json:"persona_id"`
		PageContent string `json:"page_content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	created := s.controller.AutoScan(r.Context(), s.cfg, req.PersonaID, bookID, req.PageContent)
	for _, ann := range created {
		s.hub.Broadcast(EventAnnotationCreated, ann)
	}
	s.hub.Broadcast(EventScanCompleted, map[string]any{"book_id": bookID, "created": len(created)})
	if len(created) > 0 {
		s.observeCount(r.Context(), req.PersonaID, bookID)
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"annotations": created}, s.logger)
}

// observeCount reports the book's annotation count to the consolidation
// scheduler.
func (s *Server) observeCount(ctx context.Context, personaID, bookID string) {
	count, err := s.store.CountAnnotations(bookID)
	if err != nil {
		s.logger.Warn("annotation count failed", "book", bookID, "error", err)
		return
	}
	if s.consolidator.Observe(ctx, s.cfg, personaID, count) {
		p, err := s.personas.Get(personaID)
		if err == nil {
			s.hub.Broadcast(EventMemoryConsolidated, map[string]string{
				"persona_id": personaID,
				"memory":     p.Memory,
			})
		}
	}
}

func (s *Server) handleTopic(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PersonaID string `json:"persona_id"`
		Comment   string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	topic, err := s.controller.TopicFor(r.Context(), s.cfg, req.PersonaID, req.Comment)
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"topic": topic}, s.logger)
}

func (s *Server) handleNote(w http.ResponseWriter, r *http.Request) {
	annID := r.PathValue("id")
	var req struct {
		PersonaID string `json:"persona_id"`
		Note      string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ann, err := s.controller.ReplyToNote(r.Context(), s.cfg, req.PersonaID, annID, req.Note)
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ann, s.logger)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	annID := r.PathValue("id")
	var req struct {
		PersonaID string `json:"persona_id"`
		Message   string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ann, err := s.controller.ChatTurn(r.Context(), s.cfg, req.PersonaID, annID, req.Message)
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, ann, s.logger)
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("id")
	var req struct {
		PersonaID string `json:"persona_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	book, err := s.store.GetBook(bookID)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}

	review, err := s.controller.Review(r.Context(), s.cfg, req.PersonaID, book)
	if err != nil {
		s.operationError(w, err)
		return
	}

	html, err := renderMarkdown(review)
	if err != nil {
		s.logger.Warn("review render failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"review": review, "html": html}, s.logger)
}

func (s *Server) handleReviewReply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PersonaID string `json:"persona_id"`
		Rating    int    `json:"rating"`
		Review    string `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reply, err := s.controller.ReviewReply(r.Context(), s.cfg, req.PersonaID, req.Rating, req.Review)
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"reply": reply}, s.logger)
}

func (s *Server) handlePersonaList(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"personas": s.personas.All()}, s.logger)
}

func (s *Server) handlePersonaCreate(w http.ResponseWriter, r *http.Request) {
	var p persona.Persona
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if p.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "name required")
		return
	}

	created, err := s.personas.Add(p)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created, s.logger)
}

func (s *Server) handlePersonaUpdate(w http.ResponseWriter, r *http.Request) {
	var p persona.Persona
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.ID = r.PathValue("id")

	if err := s.personas.Update(p); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.personas.Get(p.ID)
	if err != nil {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, updated, s.logger)
}

func (s *Server) handlePersonaDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.personas.Delete(r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	personaID := r.PathValue("id")

	memory, err := s.controller.ConsolidateMemory(r.Context(), s.cfg, personaID)
	if err != nil {
		s.operationError(w, err)
		return
	}

	s.hub.Broadcast(EventMemoryConsolidated, map[string]string{
		"persona_id": personaID,
		"memory":     memory,
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"memory": memory}, s.logger)
}

func (s *Server) handleBackupPush(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "backup not configured")
		return
	}
	gistID, err := s.backup.Push(r.Context())
	if err != nil {
		s.operationError(w, err)
		return
	}
	s.hub.Broadcast(EventBackupPushed, map[string]string{"gist_id": gistID})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"gist_id": gistID}, s.logger)
}

func (s *Server) handleBackupPull(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "backup not configured")
		return
	}
	snap, err := s.backup.Pull(r.Context())
	if err != nil {
		s.operationError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"books":       len(snap.Books),
		"annotations": len(snap.Annotations),
		"personas":    len(snap.Personas),
	}, s.logger)
}
