// Package erd parses Mermaid erDiagram text into a span-annotated document
// and provides line-level editing for targeted rewrites.
package erd

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

var (
	entityOpenPattern   = regexp.MustCompile(`^(\w+)\s*\{\s*$`)
	entityInlinePattern = regexp.MustCompile(`^(\w+)\s*\{\s*\}\s*$`)
	entityClosePattern  = regexp.MustCompile(`^\}\s*$`)

	// EntityA ||--o{ EntityB : "label"
	relationshipPattern = regexp.MustCompile(`^(\w+)\s*([|}{o]{2})(--|\.\.)([|}{o]{2})\s*(\w+)\s*(?::\s*(.*))?$`)

	// Edge tokens or a trailing ": "label""; such lines are never attributes.
	edgeShapePattern  = regexp.MustCompile(`[|}{o]{1,2}\s*(--|\.\.)|(--|\.\.)\s*[|}{o]{1,2}`)
	labelShapePattern = regexp.MustCompile(`:\s*"[^"]*"\s*$`)

	// type name [PK, FK, UK] ["description"]
	attributePattern = regexp.MustCompile(
		`^((?i:choice)\s*\([^)]*\)|(?i:lookup)\s*\([^)]*\)|[A-Za-z_]\w*(?:\([^)]*\))?(?:\[\])?)` +
			`\s+(\w+)` +
			`((?:\s+(?i:PK|FK|UK)(?:\s*,\s*(?i:PK|FK|UK))*)?)` +
			`(?:\s+"([^"]*)")?\s*$`)

	quotedPattern = regexp.MustCompile(`"[^"]*"`)
)

// systemFields are provided natively by Dataverse and dropped at parse time.
var systemFields = map[string]bool{
	"createdon":  true,
	"createdby":  true,
	"modifiedon": true,
	"modifiedby": true,
}

// Diagnostic is a parse-level finding; the validator turns it into a Warning.
type Diagnostic struct {
	Type      models.WarningType
	Severity  models.Severity
	Entity    string
	Attribute string
	Line      int
	Message   string
}

// Document is the parse result of one ERD text. It owns the source lines so
// fixes can be expressed as line edits and serialized deterministically.
type Document struct {
	Lines         []string
	HeaderLine    int // -1 when no erDiagram header
	Entities      []models.Entity
	Relationships []models.Relationship
	Diagnostics   []Diagnostic
}

// Entity returns a pointer to the named entity (exact match).
func (d *Document) Entity(name string) (*models.Entity, bool) {
	return models.EntityByName(d.Entities, name)
}

// EntityFold returns the entity whose name matches case-insensitively.
func (d *Document) EntityFold(name string) (*models.Entity, bool) {
	for i := range d.Entities {
		if strings.EqualFold(d.Entities[i].Name, name) {
			return &d.Entities[i], true
		}
	}
	return nil, false
}

// String serializes the document back to text.
func (d *Document) String() string {
	return strings.Join(d.Lines, "\n")
}

// parseState is the per-call parser context. Nothing survives between calls.
type parseState struct {
	doc     *Document
	index   map[string]int // entity name -> position in doc.Entities
	current *models.Entity
	open    bool
}

// Parse converts ERD text into a Document. It never fails: malformed input
// yields partial results plus diagnostics.
func Parse(text string) *Document {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	st := &parseState{
		doc: &Document{
			Lines:      strings.Split(text, "\n"),
			HeaderLine: -1,
		},
		index: make(map[string]int),
	}

	for i, raw := range st.doc.Lines {
		line := stripComment(raw)
		if line == "" {
			continue
		}
		st.parseLine(i, line)
	}

	if st.open {
		st.diag(models.WarningUnclosedEntityBlock, models.SeverityWarning, st.current.Name, "", st.current.Span.End,
			fmt.Sprintf("Entity %s is missing a closing brace", st.current.Name))
		st.closeEntity(st.current.Span.End)
	}

	return st.doc
}

func (st *parseState) parseLine(i int, line string) {
	if !st.open && strings.EqualFold(line, "erDiagram") {
		st.doc.HeaderLine = i
		return
	}

	if st.open {
		if entityClosePattern.MatchString(line) {
			st.closeEntity(i)
			return
		}
		// Relationship lines must be recognized before attribute parsing.
		if relationshipPattern.MatchString(line) {
			st.parseRelationship(i, line)
			return
		}
		if entityOpenPattern.MatchString(line) || entityInlinePattern.MatchString(line) {
			st.diag(models.WarningUnclosedEntityBlock, models.SeverityWarning, st.current.Name, "", st.current.Span.End,
				fmt.Sprintf("Entity %s is missing a closing brace", st.current.Name))
			st.closeEntity(st.current.Span.End)
			st.parseLine(i, line)
			return
		}
		if looksLikeRelationship(line) {
			st.diag(models.WarningInvalidAttribute, models.SeverityWarning, st.current.Name, "", i,
				fmt.Sprintf("Line %d looks like a relationship but could not be parsed: %s", i+1, line))
			return
		}
		st.parseAttribute(i, line)
		return
	}

	if m := entityInlinePattern.FindStringSubmatch(line); m != nil {
		st.openEntity(i, m[1])
		st.closeEntity(i)
		return
	}
	if m := entityOpenPattern.FindStringSubmatch(line); m != nil {
		st.openEntity(i, m[1])
		return
	}
	if relationshipPattern.MatchString(line) {
		st.parseRelationship(i, line)
	}
}

func (st *parseState) openEntity(i int, name string) {
	if pos, exists := st.index[name]; exists {
		st.diag(models.WarningDuplicateEntity, models.SeverityError, name, "", i,
			fmt.Sprintf("Entity %s is defined more than once; attributes are merged", name))
		st.current = &st.doc.Entities[pos]
		st.open = true
		return
	}

	st.doc.Entities = append(st.doc.Entities, models.Entity{
		Name:        name,
		DisplayName: DisplayName(name),
		Attributes:  []models.Attribute{},
		Span:        models.Span{Start: i, End: i, Valid: true},
	})
	st.index[name] = len(st.doc.Entities) - 1
	st.current = &st.doc.Entities[len(st.doc.Entities)-1]
	st.open = true
}

func (st *parseState) closeEntity(i int) {
	if st.current != nil && i > st.current.Span.End {
		st.current.Span.End = i
	}
	st.current = nil
	st.open = false
}

func (st *parseState) parseAttribute(i int, line string) {
	entity := st.current
	if i > entity.Span.End {
		entity.Span.End = i
	}

	attr, ok := matchAttribute(line)
	if !ok {
		attr, ok = salvageAttribute(line)
		if !ok {
			st.diag(models.WarningInvalidAttribute, models.SeverityWarning, entity.Name, "", i,
				fmt.Sprintf("Could not parse attribute line %d in %s: %s", i+1, entity.Name, line))
			return
		}
		st.diag(models.WarningInvalidAttribute, models.SeverityInfo, entity.Name, attr.Name, i,
			fmt.Sprintf("Attribute line %d in %s is malformed; read as %s %s", i+1, entity.Name, attr.OriginalType, attr.Name))
	}

	if systemFields[strings.ToLower(attr.Name)] {
		return
	}

	info := ResolveType(attr.OriginalType, attr.Name)
	attr.Type = info.Type
	attr.ChoiceOptions = info.ChoiceOptions
	attr.TargetEntity = info.TargetEntity
	attr.DisplayName = DisplayName(attr.Name)
	attr.Line = i
	attr.IsRequired = attr.IsPrimaryKey || strings.Contains(strings.ToLower(attr.Description), "required")
	if !info.Known {
		st.diag(models.WarningUnknownType, models.SeverityInfo, entity.Name, attr.Name, i,
			fmt.Sprintf("Unknown type %q for %s.%s; defaulting to String", attr.OriginalType, entity.Name, attr.Name))
	}

	entity.Attributes = append(entity.Attributes, attr)
}

// matchAttribute applies the strict attribute grammar.
func matchAttribute(line string) (models.Attribute, bool) {
	m := attributePattern.FindStringSubmatch(line)
	if m == nil {
		return models.Attribute{}, false
	}
	attr := models.Attribute{
		OriginalType: m[1],
		Name:         m[2],
		Description:  m[4],
	}
	applyConstraints(&attr, m[3])
	return attr, true
}

// salvageAttribute extracts a best-effort type and name from a malformed line,
// e.g. an unterminated "choice(a,b status".
func salvageAttribute(line string) (models.Attribute, bool) {
	description := ""
	if q := quotedPattern.FindString(line); q != "" {
		description = strings.Trim(q, `"`)
		line = quotedPattern.ReplaceAllString(line, " ")
	}

	fields := strings.Fields(strings.ReplaceAll(line, ",", " , "))
	var constraints []string
	for len(fields) > 0 {
		last := strings.ToUpper(fields[len(fields)-1])
		if last == "PK" || last == "FK" || last == "UK" || last == "," {
			constraints = append(constraints, last)
			fields = fields[:len(fields)-1]
			continue
		}
		break
	}
	if len(fields) < 2 {
		return models.Attribute{}, false
	}

	name := identifierChars(fields[len(fields)-1])
	if name == "" {
		return models.Attribute{}, false
	}

	typeToken := strings.Join(fields[:len(fields)-1], "")
	lower := strings.ToLower(typeToken)
	if (strings.HasPrefix(lower, "choice(") || strings.HasPrefix(lower, "lookup(")) && !strings.HasSuffix(typeToken, ")") {
		typeToken += ")"
	}

	attr := models.Attribute{
		OriginalType: typeToken,
		Name:         name,
		Description:  description,
	}
	applyConstraints(&attr, strings.Join(constraints, ","))
	return attr, true
}

func applyConstraints(attr *models.Attribute, raw string) {
	for _, c := range strings.Split(raw, ",") {
		switch strings.ToUpper(strings.TrimSpace(c)) {
		case "PK":
			attr.IsPrimaryKey = true
		case "FK":
			attr.IsForeignKey = true
		case "UK":
			attr.IsUnique = true
		}
	}
}

func (st *parseState) parseRelationship(i int, line string) {
	m := relationshipPattern.FindStringSubmatch(line)
	if m == nil {
		return
	}
	left, right := m[2], m[4]
	from, to := m[1], m[5]
	label := strings.Trim(strings.TrimSpace(m[6]), `"`)

	cardinality, flipped := DecodeCardinality(left, right)
	if flipped {
		from, to = to, from
	}

	name := label
	if name == "" {
		name = strings.ToLower(from) + "_" + strings.ToLower(to)
	}

	st.doc.Relationships = append(st.doc.Relationships, models.Relationship{
		FromEntity:  from,
		ToEntity:    to,
		Cardinality: cardinality,
		Name:        name,
		DisplayName: DisplayName(name),
		Label:       label,
		Symbol:      left + m[3] + right,
		Line:        i,
	})
}

var (
	leftTokens  = map[string]bool{"||": true, "|o": true, "}o": true, "}|": true}
	rightTokens = map[string]bool{"||": true, "o|": true, "o{": true, "|{": true}
)

// DecodeCardinality maps Mermaid end tokens to a cardinality. When only the
// left end is "many" the edge is reported flipped so the caller can swap
// endpoints and keep FromEntity on the referenced side.
func DecodeCardinality(left, right string) (models.Cardinality, bool) {
	if !leftTokens[left] || !rightTokens[right] {
		return models.CardinalityUnknown, false
	}

	leftMany := left[0] == '}'
	rightMany := right[1] == '{'
	leftOptional := left == "|o"
	rightOptional := right == "o|"

	switch {
	case leftMany && rightMany:
		return models.CardinalityManyToMany, false
	case rightMany:
		if leftOptional {
			return models.CardinalityZeroToMany, false
		}
		return models.CardinalityOneToMany, false
	case leftMany:
		if rightOptional {
			return models.CardinalityZeroToMany, true
		}
		return models.CardinalityOneToMany, true
	default:
		return models.CardinalityOneToOne, false
	}
}

func (st *parseState) diag(t models.WarningType, sev models.Severity, entity, attr string, line int, msg string) {
	st.doc.Diagnostics = append(st.doc.Diagnostics, Diagnostic{
		Type:      t,
		Severity:  sev,
		Entity:    entity,
		Attribute: attr,
		Line:      line,
		Message:   msg,
	})
}

// looksLikeRelationship reports edge-shaped lines. Quoted text is ignored for
// the edge check so descriptions like "a--b" stay attributes.
func looksLikeRelationship(line string) bool {
	if edgeShapePattern.MatchString(quotedPattern.ReplaceAllString(line, `""`)) {
		return true
	}
	return labelShapePattern.MatchString(line)
}

// stripComment removes a %% comment and surrounding whitespace.
func stripComment(line string) string {
	if idx := strings.Index(line, "%%"); idx >= 0 {
		line = line[:idx]
	}
	return strings.TrimSpace(line)
}

func identifierChars(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
