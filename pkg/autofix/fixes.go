package autofix

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// fixFunc records edits for one warning and describes them.
type fixFunc func(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error)

var fixers = map[models.WarningType]fixFunc{
	models.WarningMissingEntity:        fixMissingEntity,
	models.WarningUnclosedEntityBlock:  fixUnclosedBlock,
	models.WarningDuplicateColumns:     fixDuplicateColumns,
	models.WarningMultiplePrimaryKeys:  fixMultiplePrimaryKeys,
	models.WarningMissingPrimaryKey:    fixMissingPrimaryKey,
	models.WarningManyToMany:           fixManyToMany,
	models.WarningUnknownCardinality:   fixUnknownCardinality,
	models.WarningMissingForeignKey:    fixMissingForeignKey,
	models.WarningSystemAttribute:      fixRenameAttribute,
	models.WarningNamingConflict:       fixRenameAttribute,
	models.WarningInvalidAttributeName: fixRenameAttribute,
	models.WarningAttributeNameTooLong: fixRenameAttribute,
	models.WarningInvalidEntityName:    fixRenameEntity,
	models.WarningReservedEntityName:   fixRenameEntity,
	models.WarningEntityNameTooLong:    fixRenameEntity,
	models.WarningEntityNamingStyle:    fixRenameEntity,
	models.WarningSQLReservedWord:      fixReservedWord,
	models.WarningInvalidRelationName:  fixRelabel,
	models.WarningRelationNameTooLong:  fixRelabel,
}

var errNoFixData = errors.New("warning carries no fix data")

func hasFixer(t models.WarningType) bool {
	_, ok := fixers[t]
	return ok
}

// apply runs the fixer for w and returns the rewritten content.
func apply(doc *erd.Document, w models.Warning) (string, string, error) {
	fix, ok := fixers[w.Type]
	if !ok {
		return "", "", fmt.Errorf("no fixer for warning type %s", w.Type)
	}
	if w.FixData == nil {
		return "", "", errNoFixData
	}
	ed := erd.NewEditor(doc)
	desc, err := fix(doc, ed, w)
	if err != nil {
		return "", "", err
	}
	if !ed.Changed() {
		return "", "", fmt.Errorf("fix for %s produced no change", w.Type)
	}
	return ed.Apply(), desc, nil
}

func entityOf(doc *erd.Document, name string) (*models.Entity, error) {
	entity, ok := doc.Entity(name)
	if !ok || !entity.Span.Valid {
		return nil, fmt.Errorf("entity %s not found", name)
	}
	return entity, nil
}

// ============================================================================
// Structural fixes
// ============================================================================

func fixMissingEntity(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	name := w.FixData.Entity
	if _, ok := doc.Entity(name); ok {
		return "", fmt.Errorf("entity %s already exists", name)
	}
	block := erd.EntityBlock(name, doc.EntityIndent(nil), []string{
		erd.FormatAttribute("string", "id", []string{"PK"}, "Primary identifier"),
	})
	insertEntityBlock(doc, ed, block)
	return fmt.Sprintf("Added entity %s with a primary key", name), nil
}

// insertEntityBlock places a new block after the last entity, or after the
// header when the document has none.
func insertEntityBlock(doc *erd.Document, ed *erd.Editor, block []string) {
	last := -1
	for _, e := range doc.Entities {
		if e.Span.Valid && e.Span.End > last {
			last = e.Span.End
		}
	}
	switch {
	case last >= 0:
		ed.InsertAfter(last, block...)
	case doc.HeaderLine >= 0:
		ed.InsertAfter(doc.HeaderLine, block...)
	default:
		ed.InsertAfter(-1, append([]string{"erDiagram"}, block...)...)
	}
}

func fixUnclosedBlock(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.Entity)
	if err != nil {
		return "", err
	}
	if doc.HasClosingBrace(entity) {
		return "", fmt.Errorf("entity %s is already closed", entity.Name)
	}
	ed.InsertAfter(entity.Span.End, doc.EntityIndent(entity)+"}")
	return fmt.Sprintf("Closed entity block %s", entity.Name), nil
}

func fixDuplicateColumns(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.Entity)
	if err != nil {
		return "", err
	}
	seen := false
	removed := 0
	for _, a := range entity.Attributes {
		if !strings.EqualFold(a.Name, w.FixData.Attribute) {
			continue
		}
		if !seen {
			seen = true
			continue
		}
		ed.Delete(a.Line)
		removed++
	}
	if removed == 0 {
		return "", fmt.Errorf("no duplicate %s column in %s", w.FixData.Attribute, entity.Name)
	}
	return fmt.Sprintf("Removed %d duplicate %s column(s) from %s", removed, w.FixData.Attribute, entity.Name), nil
}

func fixMultiplePrimaryKeys(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.Entity)
	if err != nil {
		return "", err
	}
	keep := w.FixData.Attribute
	var demoted []string
	for _, a := range entity.PrimaryKeys() {
		if a.Name == keep {
			continue
		}
		a.IsPrimaryKey = false
		a.IsUnique = true
		rewriteAttribute(doc, ed, a)
		demoted = append(demoted, a.Name)
	}
	if len(demoted) == 0 {
		return "", fmt.Errorf("entity %s has a single primary key", entity.Name)
	}
	return fmt.Sprintf("Kept %s as primary key of %s; marked %s unique", keep, entity.Name, strings.Join(demoted, ", ")), nil
}

func fixMissingPrimaryKey(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.Entity)
	if err != nil {
		return "", err
	}
	if existing, ok := entity.Attribute("id"); ok {
		existing.IsPrimaryKey = true
		rewriteAttribute(doc, ed, existing)
		return fmt.Sprintf("Marked %s.%s as primary key", entity.Name, existing.Name), nil
	}

	line := erd.FormatAttribute("string", "id", []string{"PK"}, "Primary identifier")
	addFirstAttribute(doc, ed, entity, line)
	return fmt.Sprintf("Added primary key id to %s", entity.Name), nil
}

func fixManyToMany(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	rel, err := relationshipOf(doc, w.FixData)
	if err != nil {
		return "", err
	}
	junction := w.FixData.JunctionName
	if junction == "" {
		junction = erd.PascalCase(rel.FromEntity) + erd.PascalCase(rel.ToEntity)
	}

	indent, _, _ := erd.SplitLine(doc.Lines[rel.Line])
	ed.Replace(rel.Line,
		indent+erd.FormatRelationship(rel.FromEntity, "||--o{", junction, ""),
		indent+erd.FormatRelationship(rel.ToEntity, "||--o{", junction, ""),
	)

	if _, exists := doc.Entity(junction); !exists {
		fromFK := erd.ForeignKeyName(rel.FromEntity)
		toFK := erd.ForeignKeyName(rel.ToEntity)
		if fromFK == toFK {
			toFK = "related_" + toFK
		}
		block := erd.EntityBlock(junction, doc.EntityIndent(nil), []string{
			erd.FormatAttribute("string", "id", []string{"PK"}, "Primary identifier"),
			erd.FormatAttribute("string", fromFK, []string{"FK"}, "Foreign key to "+rel.FromEntity),
			erd.FormatAttribute("string", toFK, []string{"FK"}, "Foreign key to "+rel.ToEntity),
		})
		insertEntityBlock(doc, ed, block)
	}
	return fmt.Sprintf("Replaced many-to-many %s with junction entity %s", rel.Name, junction), nil
}

func fixUnknownCardinality(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	rel, err := relationshipOf(doc, w.FixData)
	if err != nil {
		return "", err
	}
	if !ed.ReplaceRelationshipSymbol(*rel, "||--o{") {
		return "", fmt.Errorf("could not rewrite relationship %s", rel.Name)
	}
	return fmt.Sprintf("Set relationship %s to one-to-many", rel.Name), nil
}

func fixMissingForeignKey(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.ToEntity)
	if err != nil {
		return "", err
	}
	fk := w.FixData.Attribute
	if fk == "" {
		fk = erd.ForeignKeyName(w.FixData.FromEntity)
	}
	if _, exists := entity.Attribute(fk); exists {
		return "", fmt.Errorf("attribute %s already exists in %s", fk, entity.Name)
	}
	line := erd.FormatAttribute("string", fk, []string{"FK"}, "Foreign key to "+w.FixData.FromEntity)
	addLastAttribute(doc, ed, entity, line)
	return fmt.Sprintf("Added foreign key %s to %s", fk, entity.Name), nil
}

// ============================================================================
// Renames
// ============================================================================

func fixRenameAttribute(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.Entity)
	if err != nil {
		return "", err
	}
	attr, ok := attributeExact(entity, w.FixData.Attribute)
	if !ok {
		return "", fmt.Errorf("attribute %s not found in %s", w.FixData.Attribute, entity.Name)
	}
	target := uniqueAttributeName(entity, w.FixData.SuggestedName)
	if target == "" {
		return "", errors.New("no suggested name")
	}
	if !ed.RenameAttribute(attr, target) {
		return "", fmt.Errorf("could not rewrite attribute %s.%s", entity.Name, attr.Name)
	}
	return fmt.Sprintf("Renamed %s.%s to %s", entity.Name, attr.Name, target), nil
}

func fixRenameEntity(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	entity, err := entityOf(doc, w.FixData.Entity)
	if err != nil {
		return "", err
	}
	target := w.FixData.SuggestedName
	if target == "" || target == entity.Name {
		return "", errors.New("no suggested name")
	}
	for _, other := range doc.Entities {
		// A case-only rename matches the entity itself.
		if other.Name != entity.Name && strings.EqualFold(other.Name, target) {
			return "", fmt.Errorf("an entity named %s already exists", other.Name)
		}
	}
	ed.RenameEntity(entity.Name, target)
	return fmt.Sprintf("Renamed entity %s to %s", entity.Name, target), nil
}

// fixReservedWord handles both entity and attribute keyword collisions.
func fixReservedWord(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	if w.FixData.Attribute != "" {
		return fixRenameAttribute(doc, ed, w)
	}
	return fixRenameEntity(doc, ed, w)
}

func fixRelabel(doc *erd.Document, ed *erd.Editor, w models.Warning) (string, error) {
	rel, err := relationshipOf(doc, w.FixData)
	if err != nil {
		return "", err
	}
	if !ed.RelabelRelationship(*rel, w.FixData.SuggestedName) {
		return "", fmt.Errorf("could not rewrite relationship %s", rel.Name)
	}
	return fmt.Sprintf("Renamed relationship %q to %s", rel.Label, w.FixData.SuggestedName), nil
}

// ============================================================================
// Helpers
// ============================================================================

func relationshipOf(doc *erd.Document, fd *models.FixData) (*models.Relationship, error) {
	for i := range doc.Relationships {
		r := &doc.Relationships[i]
		if r.FromEntity == fd.FromEntity && r.ToEntity == fd.ToEntity && r.Name == fd.Relationship {
			return r, nil
		}
	}
	return nil, fmt.Errorf("relationship %s between %s and %s not found", fd.Relationship, fd.FromEntity, fd.ToEntity)
}

func attributeExact(entity *models.Entity, name string) (models.Attribute, bool) {
	for _, a := range entity.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return entity.Attribute(name)
}

// uniqueAttributeName appends _2, _3... until name is free in entity.
func uniqueAttributeName(entity *models.Entity, name string) string {
	if name == "" {
		return ""
	}
	candidate := name
	for i := 2; ; i++ {
		if _, taken := entity.Attribute(candidate); !taken {
			return candidate
		}
		candidate = fmt.Sprintf("%s_%d", name, i)
	}
}

// rewriteAttribute replaces the attribute's source line, keeping indentation
// and any trailing comment.
func rewriteAttribute(doc *erd.Document, ed *erd.Editor, a models.Attribute) {
	indent, _, comment := erd.SplitLine(doc.Lines[a.Line])
	line := indent + erd.AttributeLine(a)
	if comment != "" {
		line += " " + comment
	}
	ed.Replace(a.Line, line)
}

// addFirstAttribute inserts an attribute line directly after the entity header.
func addFirstAttribute(doc *erd.Document, ed *erd.Editor, entity *models.Entity, line string) {
	if doc.IsInline(entity) {
		expandInline(doc, ed, entity, line)
		return
	}
	ed.InsertAfter(entity.Span.Start, doc.AttributeIndent(entity)+line)
}

// addLastAttribute inserts an attribute line after the entity's last attribute.
func addLastAttribute(doc *erd.Document, ed *erd.Editor, entity *models.Entity, line string) {
	if doc.IsInline(entity) {
		expandInline(doc, ed, entity, line)
		return
	}
	last := entity.Span.Start
	for _, a := range entity.Attributes {
		if a.Line > last && a.Line <= entity.Span.End {
			last = a.Line
		}
	}
	ed.InsertAfter(last, doc.AttributeIndent(entity)+line)
}

// expandInline turns "Name {}" into a block holding one attribute.
func expandInline(doc *erd.Document, ed *erd.Editor, entity *models.Entity, line string) {
	indent, _, comment := erd.SplitLine(doc.Lines[entity.Span.Start])
	block := erd.EntityBlock(entity.Name, indent, []string{line})
	if comment != "" {
		block[0] += " " + comment
	}
	ed.Replace(entity.Span.Start, block...)
}
