// ABOUTME: Report and artifact inspection used when extracting sandbox results
// ABOUTME: Titles come from the first markdown heading; digests are BLAKE3-256

package sandbox

import (
	"encoding/hex"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"github.com/zeebo/blake3"
)

var markdown = goldmark.New()

// ReportTitle returns the text of the first heading in a markdown report, or
// "" when there is none.
func ReportTitle(report []byte) string {
	doc := markdown.Parser().Parse(text.NewReader(report))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			title = strings.TrimSpace(inlineText(h, report))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title
}

// inlineText concatenates the literal text beneath n.
func inlineText(n ast.Node, source []byte) string {
	var b strings.Builder
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		default:
			b.WriteString(inlineText(c, source))
		}
	}
	return b.String()
}

// Digest returns the hex BLAKE3-256 digest of data.
func Digest(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
