package store

import "time"

type User struct {
	ID           int64
	Name         string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// Document is the aggregate root. Editors and Viewers are the explicit
// membership sets loaded from document_members; the owner is implicitly
// an editor whether or not they appear in Editors.
type Document struct {
	ID           int64
	Title        string
	Content      string
	OwnerID      int64
	OwnerName    string
	OwnerEmail   string
	Editors      []int64
	Viewers      []int64
	LastEditedBy string
	IsPublic     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// RevisionCount is populated by list queries only.
	RevisionCount int
}

// Revision is an immutable snapshot of a document at one point in time.
// Rows are insert-only; nothing in the store mutates or deletes a single
// revision (deleting a document cascades to its whole history).
type Revision struct {
	ID             int64
	DocumentID     int64
	Title          string
	Content        string
	AuthorID       int64
	AuthorName     string
	AuthorEmail    string
	Changes        string
	AddedLines     int
	RemovedLines   int
	ModifiedLines  int
	TotalLines     int
	RestoredFromID *int64
	CreatedAt      time.Time
}
