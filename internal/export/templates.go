package export

import (
	"bytes"
	"html/template"
	"time"
)

var documentTemplate = template.Must(template.New("document").Funcs(template.FuncMap{
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(documentTemplateHTML))

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title        string
	ContentHTML  template.HTML
	OwnerName    string
	LastEditedBy string
	UpdatedAt    time.Time
	Revisions    []Revision
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    pre { background: #f5f5f5; padding: 1rem; overflow-x: auto; }
    table { border-collapse: collapse; width: 100%; }
    th, td { border: 1px solid #ccc; padding: 0.4rem 0.6rem; text-align: left; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">Owner: {{.OwnerName}}{{if .LastEditedBy}} | Last edited by {{.LastEditedBy}}{{end}} | {{formatDate .UpdatedAt "Jan 2, 2006"}}</div>
  <div>{{.ContentHTML}}</div>
  {{if .Revisions}}
  <h2>Revision History</h2>
  <table>
    <tr><th>Date</th><th>Author</th><th>Title</th><th>Changes</th></tr>
    {{range .Revisions}}<tr><td>{{.CreatedAt}}</td><td>{{.AuthorName}}</td><td>{{.Title}}</td><td>{{.Changes}}</td></tr>
    {{end}}
  </table>
  {{end}}
</body>
</html>`
