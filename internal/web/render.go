package web

import (
	"bytes"

	"github.com/yuin/goldmark"
)

// renderMarkdown converts persona output (reviews, longer chat replies)
// to HTML for the reader UI. Annotations are plain text and skip this.
func renderMarkdown(md string) (string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return "", err
	}
	return buf.String(), nil
}
