package core

import (
	"context"
	"time"
)

// Note types understood by the tool handlers.
const (
	NoteTypeText = "text"
	NoteTypeCode = "code"
	NoteTypeBook = "book"
)

// RootNoteID is the id of the tree root.
const RootNoteID = "root"

// Note is the read model of a note in the user's note graph.
type Note struct {
	ID          string    `json:"noteId"`
	Title       string    `json:"title"`
	Type        string    `json:"type"`
	Content     string    `json:"content,omitempty"`
	DateCreated time.Time `json:"dateCreated"`
	DateUpdated time.Time `json:"dateModified"`
}

// Attribute is a label or relation attached to a note.
type Attribute struct {
	NoteID string `json:"noteId"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Value  string `json:"value"`
}

// Attribute types.
const (
	AttributeLabel    = "label"
	AttributeRelation = "relation"
)

// Branch places a note under a parent. A note with several branches is a clone.
type Branch struct {
	ID       string `json:"branchId"`
	NoteID   string `json:"noteId"`
	ParentID string `json:"parentNoteId"`
	Prefix   string `json:"prefix,omitempty"`
}

// SearchResult is one hit returned by NoteStore.SearchNotes.
type SearchResult struct {
	NoteID  string  `json:"noteId"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score"`
}

// NewNote holds the fields needed to create a note.
type NewNote struct {
	ParentID string
	Title    string
	Content  string
	Type     string
}

// NoteStore is the small read/write surface of the note storage engine that
// tool handlers depend on.
type NoteStore interface {
	GetNote(ctx context.Context, noteID string) (*Note, error)
	CreateNote(ctx context.Context, note NewNote) (*Note, *Branch, error)
	UpdateNoteContent(ctx context.Context, noteID, content string) error
	SearchNotes(ctx context.Context, query string, limit int) ([]SearchResult, error)

	SetAttribute(ctx context.Context, attr Attribute) error
	GetAttributes(ctx context.Context, noteID string) ([]Attribute, error)

	CreateBranch(ctx context.Context, noteID, parentID, prefix string) (*Branch, error)
	GetParents(ctx context.Context, noteID string) ([]Note, error)
	GetChildren(ctx context.Context, noteID string) ([]Note, error)

	// GetDayNote returns the journal note for the given date or ErrNoteNotFound.
	GetDayNote(ctx context.Context, date time.Time) (*Note, error)
	// CreateDayNote returns the existing journal note or creates one.
	CreateDayNote(ctx context.Context, date time.Time) (*Note, error)
}
