package ingest

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"gopkg.in/yaml.v3"
)

var mdParser = goldmark.New()

// ExtractMarkdownText reduces markdown to plain text: YAML front matter
// is dropped, then the goldmark AST is walked collecting text and code
// segments with paragraph breaks preserved, so the chunker sees the
// same block structure the author wrote.
func ExtractMarkdownText(content []byte) string {
	content = stripFrontMatter(content)

	reader := text.NewReader(content)
	doc := mdParser.Parser().Parse(reader)

	var out bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			// Block boundaries become paragraph breaks.
			if _, isBlock := n.(*ast.Document); !isBlock && n.Type() == ast.TypeBlock && out.Len() > 0 {
				out.WriteString("\n\n")
			}
			return ast.WalkContinue, nil
		}

		switch node := n.(type) {
		case *ast.Text:
			out.Write(node.Segment.Value(reader.Source()))
			if node.SoftLineBreak() || node.HardLineBreak() {
				out.WriteByte(' ')
			}
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				out.Write(seg.Value(reader.Source()))
			}
			return ast.WalkSkipChildren, nil
		case *ast.CodeSpan:
			out.WriteString(string(node.Text(reader.Source())))
			return ast.WalkSkipChildren, nil
		case *ast.AutoLink:
			out.Write(node.URL(reader.Source()))
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})

	return normalizeBlankLines(out.String())
}

// stripFrontMatter removes a leading "---" delimited YAML block when it
// actually parses as YAML; anything else is kept as document text.
func stripFrontMatter(content []byte) []byte {
	trimmed := bytes.TrimLeft(content, "\xef\xbb\xbf")
	if !bytes.HasPrefix(trimmed, []byte("---\n")) && !bytes.HasPrefix(trimmed, []byte("---\r\n")) {
		return content
	}
	rest := trimmed[bytes.IndexByte(trimmed, '\n')+1:]
	end := bytes.Index(rest, []byte("\n---"))
	if end < 0 {
		return content
	}
	block := rest[:end]
	var meta map[string]interface{}
	if err := yaml.Unmarshal(block, &meta); err != nil || len(meta) == 0 {
		return content
	}
	body := rest[end+len("\n---"):]
	if i := bytes.IndexByte(body, '\n'); i >= 0 {
		body = body[i+1:]
	}
	return body
}

// normalizeBlankLines collapses runs of 3+ newlines to one paragraph
// break and trims the edges.
func normalizeBlankLines(s string) string {
	for strings.Contains(s, "\n\n\n") {
		s = strings.ReplaceAll(s, "\n\n\n", "\n\n")
	}
	return strings.TrimSpace(s)
}
