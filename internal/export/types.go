// Package export renders documents to HTML, PDF and DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatHTML Format = "html"
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Document carries the current document state for export.
type Document struct {
	Title        string
	Content      string // markdown
	OwnerName    string
	LastEditedBy string
	UpdatedAt    time.Time
}

// Revision is one history entry rendered into the optional
// revision-history appendix.
type Revision struct {
	Title      string
	Changes    string
	AuthorName string
	CreatedAt  string
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnsupportedFormat indicates an unknown export format was requested.
	ErrUnsupportedFormat = errors.New("export format unsupported")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
