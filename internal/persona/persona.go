// Package persona manages the registry of reading companions: the
// built-in cast plus user-created ones. A persona's voice is fixed at
// creation; its long-term memory is the only field the engine itself
// rewrites, and only through consolidation.
package persona

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Persona is a configured reading companion.
type Persona struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Relationship string    `json:"relationship"`
	Bio          string    `json:"bio"`
	Avatar       string    `json:"avatar"`
	Voice        string    `json:"voice"`  // immutable system voice instruction
	Memory       string    `json:"memory"` // consolidated long-term memory
	BuiltIn      bool      `json:"built_in"`
	CreatedAt    time.Time `json:"created_at"`
}

// Store persists personas between runs. The registry writes through on
// every mutation; reads are served from memory.
type Store interface {
	LoadPersonas() ([]Persona, error)
	SavePersona(p Persona) error
	DeletePersona(id string) error
}

// Registry holds all personas. Callers always receive copies: the
// registry's internal state is never shared mutable.
type Registry struct {
	mu       sync.RWMutex
	personas map[string]Persona
	order    []string // insertion order for deterministic listings
	store    Store
	logger   *slog.Logger
}

// NewRegistry creates a registry seeded with the built-in cast, then
// overlays whatever the store has persisted (so consolidated memory for
// built-ins survives restarts). store may be nil for ephemeral use.
func NewRegistry(store Store, logger *slog.Logger) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &Registry{
		personas: make(map[string]Persona),
		store:    store,
		logger:   logger.With("component", "personas"),
	}

	for _, p := range builtins() {
		r.personas[p.ID] = p
		r.order = append(r.order, p.ID)
	}

	if store != nil {
		saved, err := store.LoadPersonas()
		if err != nil {
			return nil, fmt.Errorf("load personas: %w", err)
		}
		// Stable overlay order so restarts list user personas consistently.
		sort.Slice(saved, func(i, j int) bool { return saved[i].CreatedAt.Before(saved[j].CreatedAt) })
		for _, p := range saved {
			if existing, ok := r.personas[p.ID]; ok {
				// Built-in: only the mutable memory field comes from disk.
				existing.Memory = p.Memory
				r.personas[p.ID] = existing
				continue
			}
			r.personas[p.ID] = p
			r.order = append(r.order, p.ID)
		}
	}

	return r, nil
}

// All returns every persona in listing order.
func (r *Registry) All() []Persona {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Persona, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.personas[id])
	}
	return out
}

// Get returns the persona with the given id.
func (r *Registry) Get(id string) (Persona, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.personas[id]
	if !ok {
		return Persona{}, fmt.Errorf("unknown persona %q", id)
	}
	return p, nil
}

// Add registers a user-created persona and persists it. A missing ID is
// assigned; BuiltIn is forced off regardless of input.
func (r *Registry) Add(p Persona) (Persona, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.BuiltIn = false
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.personas[p.ID]; exists {
		return Persona{}, fmt.Errorf("persona %q already exists", p.ID)
	}
	if err := r.save(p); err != nil {
		return Persona{}, err
	}
	r.personas[p.ID] = p
	r.order = append(r.order, p.ID)

	r.logger.Info("persona added", "id", p.ID, "name", p.Name)
	return p, nil
}

// Delete removes a user-created persona. Built-ins cannot be deleted.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.personas[id]
	if !ok {
		return fmt.Errorf("unknown persona %q", id)
	}
	if p.BuiltIn {
		return fmt.Errorf("persona %q is built-in and cannot be deleted", id)
	}

	if r.store != nil {
		if err := r.store.DeletePersona(id); err != nil {
			return fmt.Errorf("delete persona: %w", err)
		}
	}

	delete(r.personas, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.logger.Info("persona deleted", "id", id)
	return nil
}

// UpdateMemory replaces the persona's long-term memory. This is the
// consolidation write path; explicit user edits go through Update.
func (r *Registry) UpdateMemory(id, memory string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.personas[id]
	if !ok {
		return fmt.Errorf("unknown persona %q", id)
	}
	p.Memory = memory
	if err := r.save(p); err != nil {
		return err
	}
	r.personas[id] = p

	r.logger.Info("persona memory updated", "id", id, "memory_len", len(memory))
	return nil
}

// Update applies an explicit user edit to mutable presentation fields.
// Voice and BuiltIn are preserved from the stored persona.
func (r *Registry) Update(p Persona) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.personas[p.ID]
	if !ok {
		return fmt.Errorf("unknown persona %q", p.ID)
	}

	existing.Name = p.Name
	existing.Role = p.Role
	existing.Relationship = p.Relationship
	existing.Bio = p.Bio
	existing.Avatar = p.Avatar
	existing.Memory = p.Memory

	if err := r.save(existing); err != nil {
		return err
	}
	r.personas[p.ID] = existing
	return nil
}

// save writes through to the store. Callers hold the write lock.
func (r *Registry) save(p Persona) error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SavePersona(p); err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}
