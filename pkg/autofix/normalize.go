package autofix

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
)

// extendedTypeToken matches the choice(...) and lookup(...) type tokens that
// Mermaid renderers do not understand.
var extendedTypeToken = regexp.MustCompile(`^(?i:choice|lookup)\s*\([^)]*\)(\[\])?`)

// Normalize rewrites extended type tokens to plain string so the content
// renders in stock Mermaid. Everything else is kept byte-for-byte.
func Normalize(content string) string {
	doc := erd.Parse(content)
	ed := erd.NewEditor(doc)
	for _, entity := range doc.Entities {
		for _, a := range entity.Attributes {
			if a.Line < 0 || a.Line >= len(doc.Lines) {
				continue
			}
			indent, body, comment := erd.SplitLine(doc.Lines[a.Line])
			loc := extendedTypeToken.FindStringIndex(body)
			if loc == nil {
				continue
			}
			line := indent + "string" + body[loc[1]:]
			if comment != "" {
				line += " " + comment
			}
			ed.Replace(a.Line, line)
		}
	}
	if !ed.Changed() {
		return strings.ReplaceAll(content, "\r\n", "\n")
	}
	return ed.Apply()
}
