package core

import "errors"

var (
	// ErrMalformedArguments is returned when tool-call arguments cannot be
	// decoded into an object at all.
	ErrMalformedArguments = errors.New("malformed tool arguments")

	// ErrNoteNotFound is returned by a NoteStore for unknown note ids.
	ErrNoteNotFound = errors.New("note not found")

	// ErrBranchExists is returned when a note already has the given parent.
	ErrBranchExists = errors.New("branch already exists")
)
