package export

import (
	"fmt"
	"html/template"
)

// Service renders documents into downloadable formats.
type Service struct{}

func NewService() *Service {
	return &Service{}
}

// Export renders the document's markdown content, then converts the
// resulting HTML to the requested format. A non-empty history is
// appended as a revision table.
func (s *Service) Export(doc Document, history []Revision, format Format) (*Result, error) {
	page, err := RenderDocumentHTML(TemplateData{
		Title:        doc.Title,
		ContentHTML:  template.HTML(MarkdownToHTML(doc.Content)),
		OwnerName:    doc.OwnerName,
		LastEditedBy: doc.LastEditedBy,
		UpdatedAt:    doc.UpdatedAt,
		Revisions:    history,
	})
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	switch format {
	case FormatHTML:
		return &Result{
			Data:     []byte(page),
			Filename: sanitizeFilename(doc.Title) + ".html",
			MimeType: "text/html; charset=utf-8",
		}, nil
	case FormatPDF:
		return exportPDF(page, doc.Title)
	case FormatDOCX:
		return exportDOCX(page, doc.Title)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// sanitizeFilename creates a safe filename from a title
func sanitizeFilename(title string) string {
	result := ""
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			result += string(r)
		case r == ' ':
			result += "-"
		case r == '-', r == '_':
			result += string(r)
		}
	}
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		result = "document"
	}
	return result
}
