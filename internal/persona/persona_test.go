package persona

import (
	"testing"
	"time"
)

// fakeStore records persistence calls in memory.
type fakeStore struct {
	saved   map[string]Persona
	deleted []string
	preload []Persona
}

func newFakeStore() *fakeStore {
	return &fakeStore{saved: make(map[string]Persona)}
}

func (s *fakeStore) LoadPersonas() ([]Persona, error) { return s.preload, nil }
func (s *fakeStore) SavePersona(p Persona) error {
	s.saved[p.ID] = p
	return nil
}
func (s *fakeStore) DeletePersona(id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

func TestNewRegistrySeedsBuiltins(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	all := r.All()
	if len(all) == 0 {
		t.Fatal("registry should seed built-in personas")
	}
	for _, p := range all {
		if !p.BuiltIn {
			t.Errorf("persona %q should be built-in", p.ID)
		}
		if p.Voice == "" {
			t.Errorf("persona %q has no voice", p.ID)
		}
	}
}

func TestNewRegistryOverlaysPersistedMemory(t *testing.T) {
	store := newFakeStore()
	store.preload = []Persona{
		{ID: "edna", Memory: "remembers the reader hates epilogues", Voice: "tampered", CreatedAt: time.Now()},
	}

	r, err := NewRegistry(store, nil)
	if err != nil {
		t.Fatal(err)
	}

	p, err := r.Get("edna")
	if err != nil {
		t.Fatal(err)
	}
	if p.Memory != "remembers the reader hates epilogues" {
		t.Errorf("memory = %q, want persisted value", p.Memory)
	}
	// Everything except memory comes from the built-in definition.
	if p.Voice == "tampered" {
		t.Error("persisted row must not override a built-in voice")
	}
	if !p.BuiltIn {
		t.Error("overlay must not clear the built-in flag")
	}
}

func TestAddAndDeleteUserPersona(t *testing.T) {
	store := newFakeStore()
	r, err := NewRegistry(store, nil)
	if err != nil {
		t.Fatal(err)
	}

	added, err := r.Add(Persona{Name: "Quill", Voice: "v", BuiltIn: true})
	if err != nil {
		t.Fatal(err)
	}
	if added.ID == "" {
		t.Error("Add should assign an ID")
	}
	if added.BuiltIn {
		t.Error("Add must force BuiltIn off")
	}
	if _, ok := store.saved[added.ID]; !ok {
		t.Error("Add should write through to the store")
	}

	if err := r.Delete(added.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := r.Get(added.ID); err == nil {
		t.Error("persona should be gone after Delete")
	}
}

func TestDeleteBuiltinRefused(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Delete("edna"); err == nil {
		t.Error("deleting a built-in should fail")
	}
	if _, err := r.Get("edna"); err != nil {
		t.Error("built-in should survive the delete attempt")
	}
}

func TestUpdateMemoryWritesThrough(t *testing.T) {
	store := newFakeStore()
	r, err := NewRegistry(store, nil)
	if err != nil {
		t.Fatal(err)
	}

	if err := r.UpdateMemory("milo", "new memory"); err != nil {
		t.Fatal(err)
	}

	p, _ := r.Get("milo")
	if p.Memory != "new memory" {
		t.Errorf("memory = %q", p.Memory)
	}
	if store.saved["milo"].Memory != "new memory" {
		t.Error("UpdateMemory should persist")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, err := NewRegistry(nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	p, _ := r.Get("sam")
	p.Memory = "mutated by caller"

	again, _ := r.Get("sam")
	if again.Memory == "mutated by caller" {
		t.Error("Get must return a copy, not shared state")
	}
}
