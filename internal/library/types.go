// Package library provides the persistent data model: books, anchored
// annotations with optional chat threads, and persisted personas.
package library

import "time"

// Annotation author tags.
const (
	AuthorAI   = "ai"
	AuthorUser = "user"
)

// Book is a text in the reader's library. Content import and
// pagination happen upstream; the engine only needs identity and the
// raw text for page scans.
type Book struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Author  string    `json:"author"`
	AddedAt time.Time `json:"added_at"`
}

// ChatTurn is one message in an annotation's threaded conversation.
// Role is "user" or "model".
type ChatTurn struct {
	Role string    `json:"role"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Annotation is a comment anchored to an exact substring of a book.
type Annotation struct {
	ID         string     `json:"id"`
	BookID     string     `json:"book_id"`
	PersonaID  string     `json:"persona_id"`
	Anchor     string     `json:"anchor"` // exact substring of the text
	Author     string     `json:"author"` // ai or user
	Comment    string     `json:"comment"`
	Topic      string     `json:"topic,omitempty"`
	Autonomous bool       `json:"autonomous"`
	Thread     []ChatTurn `json:"thread,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
