package erd

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

const defaultEntityIndent = "    "

type editKind int

const (
	editReplace editKind = iota
	editInsertAfter
	editDelete
)

type edit struct {
	kind  editKind
	line  int
	seq   int
	lines []string
}

// Editor records line-level edits against a Document and applies them in one
// pass. Untouched lines, including comments and blank lines, are kept as-is.
type Editor struct {
	doc   *Document
	edits []edit
	tail  []string
}

// NewEditor creates an editor over doc's source lines.
func NewEditor(doc *Document) *Editor {
	return &Editor{doc: doc}
}

// Replace swaps line i for the given lines (none deletes it).
func (e *Editor) Replace(i int, lines ...string) {
	e.edits = append(e.edits, edit{kind: editReplace, line: i, seq: len(e.edits), lines: lines})
}

// InsertAfter inserts lines after line i. Use -1 to insert at the top.
func (e *Editor) InsertAfter(i int, lines ...string) {
	e.edits = append(e.edits, edit{kind: editInsertAfter, line: i, seq: len(e.edits), lines: lines})
}

// Delete removes line i.
func (e *Editor) Delete(i int) {
	e.edits = append(e.edits, edit{kind: editDelete, line: i, seq: len(e.edits)})
}

// Append adds lines at the end of the document, before trailing blank lines.
func (e *Editor) Append(lines ...string) {
	e.tail = append(e.tail, lines...)
}

// Changed reports whether any edit was recorded.
func (e *Editor) Changed() bool {
	return len(e.edits) > 0 || len(e.tail) > 0
}

// Apply returns the edited text. Edits are applied bottom-up so line indices
// recorded against the original document stay valid.
func (e *Editor) Apply() string {
	lines := append([]string(nil), e.doc.Lines...)

	edits := append([]edit(nil), e.edits...)
	sort.SliceStable(edits, func(a, b int) bool {
		if edits[a].line != edits[b].line {
			return edits[a].line > edits[b].line
		}
		// On one line: inserts before the replace, later inserts first so
		// earlier ones end up on top.
		if edits[a].kind != edits[b].kind {
			return edits[a].kind == editInsertAfter
		}
		return edits[a].seq > edits[b].seq
	})

	replaced := make(map[int]bool)
	for _, ed := range edits {
		switch ed.kind {
		case editInsertAfter:
			at := ed.line + 1
			if at < 0 {
				at = 0
			}
			if at > len(lines) {
				at = len(lines)
			}
			lines = splice(lines, at, 0, ed.lines)
		case editReplace, editDelete:
			if ed.line < 0 || ed.line >= len(lines) || replaced[ed.line] {
				continue
			}
			replaced[ed.line] = true
			lines = splice(lines, ed.line, 1, ed.lines)
		}
	}

	if len(e.tail) > 0 {
		end := len(lines)
		for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
			end--
		}
		lines = splice(lines, end, 0, e.tail)
	}

	return strings.Join(lines, "\n")
}

func splice(lines []string, at, remove int, insert []string) []string {
	out := make([]string, 0, len(lines)-remove+len(insert))
	out = append(out, lines[:at]...)
	out = append(out, insert...)
	out = append(out, lines[at+remove:]...)
	return out
}

// ============================================================================
// Formatting helpers
// ============================================================================

// FormatAttribute renders one attribute line body (without indentation).
func FormatAttribute(typeToken, name string, constraints []string, description string) string {
	var b strings.Builder
	b.WriteString(typeToken)
	b.WriteString(" ")
	b.WriteString(name)
	if len(constraints) > 0 {
		b.WriteString(" ")
		b.WriteString(strings.Join(constraints, ","))
	}
	if description != "" {
		fmt.Fprintf(&b, " %q", description)
	}
	return b.String()
}

// FormatRelationship renders a relationship line body.
func FormatRelationship(from, symbol, to, label string) string {
	if label == "" {
		return fmt.Sprintf("%s %s %s", from, symbol, to)
	}
	return fmt.Sprintf("%s %s %s : %q", from, symbol, to, label)
}

// AttributeLine renders a models.Attribute back to source form.
func AttributeLine(a models.Attribute) string {
	var constraints []string
	if a.IsPrimaryKey {
		constraints = append(constraints, "PK")
	}
	if a.IsForeignKey {
		constraints = append(constraints, "FK")
	}
	if a.IsUnique {
		constraints = append(constraints, "UK")
	}
	typeToken := a.OriginalType
	if typeToken == "" {
		typeToken = "string"
	}
	return FormatAttribute(typeToken, a.Name, constraints, a.Description)
}

// EntityBlock renders a complete entity block with the given indentation.
func EntityBlock(name, indent string, attributeLines []string) []string {
	inner := indent + defaultEntityIndent
	out := []string{indent + name + " {"}
	for _, l := range attributeLines {
		out = append(out, inner+l)
	}
	return append(out, indent+"}")
}

// EntityIndent returns the indentation used by the entity header, or the
// document default.
func (d *Document) EntityIndent(entity *models.Entity) string {
	if entity != nil && entity.Span.Valid {
		return leadingSpace(d.Lines[entity.Span.Start])
	}
	for _, e := range d.Entities {
		if e.Span.Valid {
			return leadingSpace(d.Lines[e.Span.Start])
		}
	}
	return defaultEntityIndent
}

// AttributeIndent returns the indentation of the entity's attribute lines.
func (d *Document) AttributeIndent(entity *models.Entity) string {
	for _, a := range entity.Attributes {
		if a.Line >= 0 && a.Line < len(d.Lines) {
			return leadingSpace(d.Lines[a.Line])
		}
	}
	return d.EntityIndent(entity) + defaultEntityIndent
}

// RelationshipIndent returns the indentation of existing relationship lines.
func (d *Document) RelationshipIndent() string {
	for _, r := range d.Relationships {
		if r.Line >= 0 && r.Line < len(d.Lines) {
			return leadingSpace(d.Lines[r.Line])
		}
	}
	return defaultEntityIndent
}

// IsInline reports whether the entity was declared as "Name {}" on one line.
func (d *Document) IsInline(entity *models.Entity) bool {
	return entity.Span.Valid && entity.Span.Start == entity.Span.End &&
		entityInlinePattern.MatchString(stripComment(d.Lines[entity.Span.Start]))
}

// HasClosingBrace reports whether the entity block ends with a "}" line.
func (d *Document) HasClosingBrace(entity *models.Entity) bool {
	if !entity.Span.Valid {
		return false
	}
	return entityClosePattern.MatchString(stripComment(d.Lines[entity.Span.End])) || d.IsInline(entity)
}

// SplitLine separates indentation, code and a trailing %% comment.
func SplitLine(raw string) (indent, body, comment string) {
	indent = leadingSpace(raw)
	body = raw[len(indent):]
	if idx := strings.Index(body, "%%"); idx >= 0 {
		comment = body[idx:]
		body = body[:idx]
	}
	return indent, strings.TrimRight(body, " \t"), comment
}

func joinLine(indent, body, comment string) string {
	if comment == "" {
		return indent + body
	}
	return indent + body + " " + comment
}

func leadingSpace(s string) string {
	return s[:len(s)-len(strings.TrimLeft(s, " \t"))]
}

// ============================================================================
// Identifier rewrites
// ============================================================================

// RenameEntity records edits renaming an entity in its header, every
// relationship endpoint and every lookup(...) reference.
func (e *Editor) RenameEntity(oldName, newName string) {
	d := e.doc
	lookupRef := regexp.MustCompile(`(?i)(lookup\s*\(\s*)` + regexp.QuoteMeta(oldName) + `(\s*\))`)
	touched := make(map[int]bool)

	for _, ent := range d.Entities {
		if ent.Name != oldName || !ent.Span.Valid {
			continue
		}
		i := ent.Span.Start
		indent, body, comment := SplitLine(d.Lines[i])
		body = newName + strings.TrimPrefix(body, oldName)
		e.Replace(i, joinLine(indent, body, comment))
		touched[i] = true
	}

	for _, rel := range d.Relationships {
		if touched[rel.Line] {
			continue
		}
		if rel.FromEntity != oldName && rel.ToEntity != oldName {
			continue
		}
		indent, body, comment := SplitLine(d.Lines[rel.Line])
		m := relationshipPattern.FindStringSubmatchIndex(strings.TrimSpace(body))
		if m == nil {
			continue
		}
		trimmed := strings.TrimSpace(body)
		left, right := trimmed[m[2]:m[3]], trimmed[m[10]:m[11]]
		if left == oldName {
			left = newName
		}
		if right == oldName {
			right = newName
		}
		body = left + trimmed[m[3]:m[10]] + right + trimmed[m[11]:]
		e.Replace(rel.Line, joinLine(indent, body, comment))
		touched[rel.Line] = true
	}

	oldWord := regexp.MustCompile(`\b` + regexp.QuoteMeta(oldName) + `\b`)
	for _, ent := range d.Entities {
		for _, a := range ent.Attributes {
			if touched[a.Line] || a.Line < 0 || a.Line >= len(d.Lines) {
				continue
			}
			line := d.Lines[a.Line]
			if a.Type == models.AttributeTypeLookup && a.TargetEntity == oldName {
				line = lookupRef.ReplaceAllString(line, "${1}"+newName+"${2}")
			}
			if a.IsForeignKey && oldWord.MatchString(a.Description) {
				line = renameInDescription(line, oldWord, newName)
			}
			if line != d.Lines[a.Line] {
				e.Replace(a.Line, line)
				touched[a.Line] = true
			}
		}
	}
}

// renameInDescription rewrites whole-word matches inside the quoted
// description of an attribute line, leaving the name and type alone.
func renameInDescription(line string, word *regexp.Regexp, newName string) string {
	indent, body, comment := SplitLine(line)
	open := strings.Index(body, `"`)
	if open < 0 {
		return line
	}
	body = body[:open] + word.ReplaceAllLiteralString(body[open:], newName)
	return joinLine(indent, body, comment)
}

// RenameAttribute records an edit renaming one attribute on its source line.
func (e *Editor) RenameAttribute(attr models.Attribute, newName string) bool {
	if attr.Line < 0 || attr.Line >= len(e.doc.Lines) {
		return false
	}
	indent, body, comment := SplitLine(e.doc.Lines[attr.Line])
	m := attributePattern.FindStringSubmatchIndex(body)
	if m != nil && body[m[4]:m[5]] == attr.Name {
		body = body[:m[4]] + newName + body[m[5]:]
		e.Replace(attr.Line, joinLine(indent, body, comment))
		return true
	}
	// Malformed line: rename the first whole-word occurrence after the type token.
	word := regexp.MustCompile(`\b` + regexp.QuoteMeta(attr.Name) + `\b`)
	start := strings.IndexAny(body, " \t")
	if start < 0 {
		return false
	}
	loc := word.FindStringIndex(body[start:])
	if loc == nil {
		return false
	}
	body = body[:start+loc[0]] + newName + body[start+loc[1]:]
	e.Replace(attr.Line, joinLine(indent, body, comment))
	return true
}

// RelabelRelationship records an edit replacing the label of a relationship.
func (e *Editor) RelabelRelationship(rel models.Relationship, label string) bool {
	if rel.Line < 0 || rel.Line >= len(e.doc.Lines) {
		return false
	}
	indent, body, comment := SplitLine(e.doc.Lines[rel.Line])
	m := relationshipPattern.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return false
	}
	body = FormatRelationship(m[1], m[2]+m[3]+m[4], m[5], label)
	e.Replace(rel.Line, joinLine(indent, body, comment))
	return true
}

// ReplaceRelationshipSymbol records an edit swapping the cardinality symbol.
func (e *Editor) ReplaceRelationshipSymbol(rel models.Relationship, symbol string) bool {
	if rel.Line < 0 || rel.Line >= len(e.doc.Lines) {
		return false
	}
	indent, body, comment := SplitLine(e.doc.Lines[rel.Line])
	m := relationshipPattern.FindStringSubmatch(strings.TrimSpace(body))
	if m == nil {
		return false
	}
	body = FormatRelationship(m[1], symbol, m[5], strings.Trim(strings.TrimSpace(m[6]), `"`))
	e.Replace(rel.Line, joinLine(indent, body, comment))
	return true
}
