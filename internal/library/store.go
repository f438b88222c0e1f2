package library

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nvollmar/marginalia/internal/persona"
)

// Store is the SQLite-backed library store. It also implements
// persona.Store so consolidated memory survives restarts.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the library database.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return store, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		author TEXT NOT NULL DEFAULT '',
		added_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS annotations (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL,
		persona_id TEXT NOT NULL,
		anchor TEXT NOT NULL,
		author TEXT NOT NULL,
		comment TEXT NOT NULL,
		topic TEXT NOT NULL DEFAULT '',
		autonomous BOOLEAN NOT NULL DEFAULT FALSE,
		thread TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (book_id) REFERENCES books(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_annotations_book ON annotations(book_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_annotations_persona ON annotations(persona_id, created_at);

	CREATE TABLE IF NOT EXISTS personas (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		relationship TEXT NOT NULL DEFAULT '',
		bio TEXT NOT NULL DEFAULT '',
		avatar TEXT NOT NULL DEFAULT '',
		voice TEXT NOT NULL DEFAULT '',
		memory TEXT NOT NULL DEFAULT '',
		built_in BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// AddBook inserts a book, assigning an ID when missing.
func (s *Store) AddBook(b Book) (Book, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.AddedAt.IsZero() {
		b.AddedAt = time.Now().UTC()
	}

	_, err := s.db.Exec(
		`INSERT INTO books (id, title, author, added_at) VALUES (?, ?, ?, ?)`,
		b.ID, b.Title, b.Author, b.AddedAt,
	)
	if err != nil {
		return Book{}, fmt.Errorf("insert book: %w", err)
	}
	return b, nil
}

// GetBook returns the book with the given id.
func (s *Store) GetBook(id string) (Book, error) {
	var b Book
	err := s.db.QueryRow(
		`SELECT id, title, author, added_at FROM books WHERE id = ?`, id,
	).Scan(&b.ID, &b.Title, &b.Author, &b.AddedAt)
	if err == sql.ErrNoRows {
		return Book{}, fmt.Errorf("unknown book %q", id)
	}
	if err != nil {
		return Book{}, fmt.Errorf("query book: %w", err)
	}
	return b, nil
}

// ListBooks returns all books, newest first.
func (s *Store) ListBooks() ([]Book, error) {
	rows, err := s.db.Query(`SELECT id, title, author, added_at FROM books ORDER BY added_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query books: %w", err)
	}
	defer rows.Close()

	var books []Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.AddedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// DeleteBook removes a book and, via cascade, its annotations.
func (s *Store) DeleteBook(id string) error {
	// Cascade manually: older SQLite builds ship with foreign_keys off.
	if _, err := s.db.Exec(`DELETE FROM annotations WHERE book_id = ?`, id); err != nil {
		return fmt.Errorf("delete annotations: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM books WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete book: %w", err)
	}
	return nil
}

// AddAnnotation inserts an annotation, assigning ID and timestamp when
// missing.
func (s *Store) AddAnnotation(a Annotation) (Annotation, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	thread, err := marshalThread(a.Thread)
	if err != nil {
		return Annotation{}, err
	}

	_, err = s.db.Exec(
		`INSERT INTO annotations (id, book_id, persona_id, anchor, author, comment, topic, autonomous, thread, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.BookID, a.PersonaID, a.Anchor, a.Author, a.Comment, a.Topic, a.Autonomous, thread, a.CreatedAt,
	)
	if err != nil {
		return Annotation{}, fmt.Errorf("insert annotation: %w", err)
	}
	return a, nil
}

// GetAnnotation returns one annotation by id.
func (s *Store) GetAnnotation(id string) (Annotation, error) {
	row := s.db.QueryRow(
		`SELECT id, book_id, persona_id, anchor, author, comment, topic, autonomous, thread, created_at
		 FROM annotations WHERE id = ?`, id)

	a, err := scanAnnotation(row)
	if err == sql.ErrNoRows {
		return Annotation{}, fmt.Errorf("unknown annotation %q", id)
	}
	if err != nil {
		return Annotation{}, fmt.Errorf("query annotation: %w", err)
	}
	return a, nil
}

// ListAnnotations returns a book's annotations, oldest first.
func (s *Store) ListAnnotations(bookID string) ([]Annotation, error) {
	rows, err := s.db.Query(
		`SELECT id, book_id, persona_id, anchor, author, comment, topic, autonomous, thread, created_at
		 FROM annotations WHERE book_id = ? ORDER BY created_at ASC`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query annotations: %w", err)
	}
	defer rows.Close()

	var out []Annotation
	for rows.Next() {
		a, err := scanAnnotation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan annotation: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Anchors returns the set of anchor substrings already annotated in a
// book. The autonomous scan deduplicates against this.
func (s *Store) Anchors(bookID string) (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT anchor FROM annotations WHERE book_id = ?`, bookID)
	if err != nil {
		return nil, fmt.Errorf("query anchors: %w", err)
	}
	defer rows.Close()

	anchors := make(map[string]bool)
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("scan anchor: %w", err)
		}
		anchors[a] = true
	}
	return anchors, rows.Err()
}

// CountAnnotations returns how many annotations a book has. The memory
// consolidation scheduler watches this number.
func (s *Store) CountAnnotations(bookID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM annotations WHERE book_id = ?`, bookID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count annotations: %w", err)
	}
	return n, nil
}

// SetThread replaces an annotation's conversation thread.
func (s *Store) SetThread(annotationID string, thread []ChatTurn) error {
	data, err := marshalThread(thread)
	if err != nil {
		return err
	}

	res, err := s.db.Exec(`UPDATE annotations SET thread = ? WHERE id = ?`, data, annotationID)
	if err != nil {
		return fmt.Errorf("update thread: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("unknown annotation %q", annotationID)
	}
	return nil
}

// DeleteAnnotation removes one annotation.
func (s *Store) DeleteAnnotation(id string) error {
	_, err := s.db.Exec(`DELETE FROM annotations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete annotation: %w", err)
	}
	return nil
}

// RecentComments returns up to limit of the persona's most recent
// annotation comments across all books, newest first. Consolidation
// feeds on these.
func (s *Store) RecentComments(personaID string, limit int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT comment FROM annotations WHERE persona_id = ? AND comment != ''
		 ORDER BY created_at DESC LIMIT ?`, personaID, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent comments: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows for scanAnnotation.
type scanner interface {
	Scan(dest ...any) error
}

func scanAnnotation(row scanner) (Annotation, error) {
	var a Annotation
	var thread sql.NullString
	err := row.Scan(&a.ID, &a.BookID, &a.PersonaID, &a.Anchor, &a.Author,
		&a.Comment, &a.Topic, &a.Autonomous, &thread, &a.CreatedAt)
	if err != nil {
		return Annotation{}, err
	}
	if thread.Valid && thread.String != "" {
		if err := json.Unmarshal([]byte(thread.String), &a.Thread); err != nil {
			return Annotation{}, fmt.Errorf("decode thread: %w", err)
		}
	}
	return a, nil
}

func marshalThread(thread []ChatTurn) (string, error) {
	if len(thread) == 0 {
		return "", nil
	}
	data, err := json.Marshal(thread)
	if err != nil {
		return "", fmt.Errorf("encode thread: %w", err)
	}
	return string(data), nil
}

// persona.Store implementation

// LoadPersonas returns every persisted persona.
func (s *Store) LoadPersonas() ([]persona.Persona, error) {
	rows, err := s.db.Query(
		`SELECT id, name, role, relationship, bio, avatar, voice, memory, built_in, created_at FROM personas`)
	if err != nil {
		return nil, fmt.Errorf("query personas: %w", err)
	}
	defer rows.Close()

	var out []persona.Persona
	for rows.Next() {
		var p persona.Persona
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &p.Relationship, &p.Bio,
			&p.Avatar, &p.Voice, &p.Memory, &p.BuiltIn, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan persona: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SavePersona inserts or replaces a persona row.
func (s *Store) SavePersona(p persona.Persona) error {
	_, err := s.db.Exec(
		`INSERT INTO personas (id, name, role, relationship, bio, avatar, voice, memory, built_in, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			role = excluded.role,
			relationship = excluded.relationship,
			bio = excluded.bio,
			avatar = excluded.avatar,
			voice = excluded.voice,
			memory = excluded.memory`,
		p.ID, p.Name, p.Role, p.Relationship, p.Bio, p.Avatar, p.Voice, p.Memory, p.BuiltIn, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save persona: %w", err)
	}
	return nil
}

// DeletePersona removes a persona row.
func (s *Store) DeletePersona(id string) error {
	_, err := s.db.Exec(`DELETE FROM personas WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete persona: %w", err)
	}
	return nil
}
