// Package validation runs the structural checks over a parsed ERD document and
// produces the warning list consumed by the auto-fixer and the wizard.
package validation

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// FKStrictness controls how a relationship without the conventional foreign
// key attribute is reported.
type FKStrictness string

const (
	// FKLenient assumes an existing, differently named FK may serve the
	// relationship and only reports an informational foreign_key_naming.
	FKLenient FKStrictness = "lenient"
	// FKStrict reports missing_foreign_key whenever {from}_id is absent.
	FKStrict FKStrictness = "strict"
)

// Options tunes the validator.
type Options struct {
	FKStrictness FKStrictness
}

// Validator is stateless; one instance can serve concurrent requests.
type Validator struct {
	opts Options
}

// New creates a Validator. An empty strictness means lenient.
func New(opts Options) *Validator {
	if opts.FKStrictness == "" {
		opts.FKStrictness = FKLenient
	}
	return &Validator{opts: opts}
}

// Validate runs every check and returns the findings with deterministic ids.
// CDM flags must already be applied to doc.Entities; detection may be nil.
func (v *Validator) Validate(doc *erd.Document, detection *models.CDMDetection) []models.Warning {
	c := &collector{seen: make(map[string]bool)}

	c.fromDiagnostics(doc.Diagnostics)
	for i := range doc.Entities {
		entity := &doc.Entities[i]
		checkPrimaryKeys(c, entity)
		checkDuplicateColumns(c, entity)
		checkSystemAttributes(c, entity)
		checkEntityNaming(c, entity)
		checkAttributeNaming(c, entity)
	}
	checkRelationships(c, doc, v.opts.FKStrictness)
	checkCycles(c, doc)
	checkCDM(c, detection)

	return c.warnings
}

// collector accumulates warnings for one Validate call, dropping exact
// duplicates so ids stay unique.
type collector struct {
	warnings []models.Warning
	seen     map[string]bool
}

func (c *collector) add(w models.Warning) {
	w.ID = WarningID(w)
	if c.seen[w.ID] {
		return
	}
	c.seen[w.ID] = true
	c.warnings = append(c.warnings, w)
}

func (c *collector) fromDiagnostics(diags []erd.Diagnostic) {
	for _, d := range diags {
		w := models.Warning{
			Type:      d.Type,
			Severity:  d.Severity,
			Category:  models.CategoryStructure,
			Entity:    d.Entity,
			Attribute: d.Attribute,
			Message:   d.Message,
		}
		switch d.Type {
		case models.WarningUnclosedEntityBlock:
			w.Suggestion = fmt.Sprintf("Add a closing brace after the last attribute of %s", d.Entity)
			w.AutoFixable = true
			w.FixData = &models.FixData{Entity: d.Entity}
		case models.WarningDuplicateEntity:
			w.Suggestion = fmt.Sprintf("Define %s once; its attribute lists were merged", d.Entity)
		case models.WarningInvalidAttribute:
			w.Suggestion = `Use the form: type name [PK|FK|UK] ["description"]`
		case models.WarningUnknownType:
			w.Suggestion = "Use a supported type such as string, int, decimal, boolean, datetime, choice(...) or lookup(...)"
		}
		c.add(w)
	}
}

// WarningID hashes type|entity|attribute|relationship|message with xxhash64.
// The same logical issue always yields the same id.
func WarningID(w models.Warning) string {
	key := strings.Join([]string{
		string(w.Type),
		w.Entity,
		w.Attribute,
		w.Relationship,
		w.Message,
	}, "|")
	return fmt.Sprintf("w_%016x", xxhash.Sum64String(key))
}

// FindByID returns the warning with the given id.
func FindByID(warnings []models.Warning, id string) (models.Warning, bool) {
	for _, w := range warnings {
		if w.ID == id {
			return w, true
		}
	}
	return models.Warning{}, false
}
