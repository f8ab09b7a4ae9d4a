package export

import (
	"gitlab.com/golang-commonmark/markdown"
)

// Raw HTML in document content is rendered as escaped text, never
// passed through, and unsafe link schemes are rejected by the parser.
var markdownRenderer = markdown.New(
	markdown.HTML(false),
	markdown.Linkify(true),
	markdown.Typographer(true),
	markdown.MaxNesting(10),
)

// MarkdownToHTML renders CommonMark markdown to an HTML fragment.
func MarkdownToHTML(src string) string {
	return markdownRenderer.RenderToString([]byte(src))
}
