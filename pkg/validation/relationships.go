package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

func checkRelationships(c *collector, doc *erd.Document, strictness FKStrictness) {
	for _, rel := range doc.Relationships {
		from, fromOK := doc.Entity(rel.FromEntity)
		to, toOK := doc.Entity(rel.ToEntity)

		if !fromOK {
			c.add(missingEntityWarning(rel, rel.FromEntity))
		}
		if !toOK && rel.ToEntity != rel.FromEntity {
			c.add(missingEntityWarning(rel, rel.ToEntity))
		}

		checkRelationshipNaming(c, rel)

		switch {
		case rel.Cardinality == models.CardinalityManyToMany:
			junction := JunctionName(rel.FromEntity, rel.ToEntity)
			c.add(models.Warning{
				Type:         models.WarningManyToMany,
				Severity:     models.SeverityError,
				Category:     models.CategoryRelationships,
				Relationship: rel.Name,
				Message:      fmt.Sprintf("Many-to-many relationship between %s and %s cannot be created directly", rel.FromEntity, rel.ToEntity),
				Suggestion:   fmt.Sprintf("Introduce a junction entity %s with one-to-many relationships from %s and %s", junction, rel.FromEntity, rel.ToEntity),
				AutoFixable:  true,
				FixData: &models.FixData{
					FromEntity:   rel.FromEntity,
					ToEntity:     rel.ToEntity,
					Relationship: rel.Name,
					JunctionName: junction,
				},
			})
			continue
		case rel.Cardinality == models.CardinalityUnknown:
			c.add(models.Warning{
				Type:         models.WarningUnknownCardinality,
				Severity:     models.SeverityError,
				Category:     models.CategoryRelationships,
				Relationship: rel.Name,
				Message:      fmt.Sprintf("Relationship %s between %s and %s uses an unrecognized cardinality %s", rel.Name, rel.FromEntity, rel.ToEntity, rel.Symbol),
				Suggestion:   "Use ||--o{ for one-to-many or ||--|| for one-to-one",
				AutoFixable:  true,
				FixData: &models.FixData{
					FromEntity:   rel.FromEntity,
					ToEntity:     rel.ToEntity,
					Relationship: rel.Name,
				},
			})
			continue
		}

		if rel.IsSelfReference() {
			c.add(models.Warning{
				Type:         models.WarningSelfReference,
				Severity:     models.SeverityInfo,
				Category:     models.CategoryRelationships,
				Entity:       rel.FromEntity,
				Relationship: rel.Name,
				Message:      fmt.Sprintf("Entity %s references itself through %s", rel.FromEntity, rel.Name),
				Suggestion:   "Self-referencing relationships are supported as hierarchical lookups",
			})
			continue
		}

		if fromOK && toOK && !to.IsCdm {
			checkForeignKey(c, rel, from, to, strictness)
		}
	}
}

func missingEntityWarning(rel models.Relationship, name string) models.Warning {
	return models.Warning{
		Type:         models.WarningMissingEntity,
		Severity:     models.SeverityError,
		Category:     models.CategoryRelationships,
		Entity:       name,
		Relationship: rel.Name,
		Message:      fmt.Sprintf("Relationship %s references undefined entity %s", rel.Name, name),
		Suggestion:   fmt.Sprintf("Define an entity block for %s", name),
		AutoFixable:  true,
		FixData: &models.FixData{
			Entity:       name,
			FromEntity:   rel.FromEntity,
			ToEntity:     rel.ToEntity,
			Relationship: rel.Name,
		},
	}
}

// JunctionName is the synthesized entity name for a many-to-many pair.
func JunctionName(from, to string) string {
	return erd.PascalCase(from) + erd.PascalCase(to)
}

// checkForeignKey expects the dependent ("to") side to carry {from}_id.
// A lookup(From) column also satisfies the relationship.
func checkForeignKey(c *collector, rel models.Relationship, from, to *models.Entity, strictness FKStrictness) {
	expected := erd.ForeignKeyName(from.Name)
	want := erd.NormalizeKey(expected)
	for _, a := range to.Attributes {
		if erd.NormalizeKey(a.Name) == want {
			return
		}
		if a.Type == models.AttributeTypeLookup && a.TargetEntity == from.Name {
			return
		}
	}

	fixData := &models.FixData{
		Entity:       to.Name,
		Attribute:    expected,
		FromEntity:   from.Name,
		ToEntity:     to.Name,
		Relationship: rel.Name,
	}

	fks := to.ForeignKeys()
	if len(fks) > 0 && strictness != FKStrict {
		names := make([]string, len(fks))
		for i, fk := range fks {
			names[i] = fk.Name
		}
		c.add(models.Warning{
			Type:         models.WarningForeignKeyNaming,
			Severity:     models.SeverityInfo,
			Category:     models.CategoryRelationships,
			Entity:       to.Name,
			Relationship: rel.Name,
			Message:      fmt.Sprintf("No %s column in %s for relationship %s; assuming one of %s serves it", expected, to.Name, rel.Name, strings.Join(names, ", ")),
			Suggestion:   fmt.Sprintf("Name the foreign key %s to make the relationship explicit", expected),
			FixData:      fixData,
		})
		return
	}

	c.add(models.Warning{
		Type:         models.WarningMissingForeignKey,
		Severity:     models.SeverityWarning,
		Category:     models.CategoryRelationships,
		Entity:       to.Name,
		Relationship: rel.Name,
		Message:      fmt.Sprintf("Entity %s has no foreign key %s for relationship %s from %s", to.Name, expected, rel.Name, from.Name),
		Suggestion:   fmt.Sprintf("Add string %s FK to %s", expected, to.Name),
		AutoFixable:  true,
		FixData:      fixData,
	})
}

// checkCycles runs a depth-first search over defined entities, ignoring
// cardinality and self-loops, and reports each distinct cycle once.
func checkCycles(c *collector, doc *erd.Document) {
	adjacency := make(map[string][]string)
	for _, rel := range doc.Relationships {
		if rel.IsSelfReference() {
			continue
		}
		if _, ok := doc.Entity(rel.FromEntity); !ok {
			continue
		}
		if _, ok := doc.Entity(rel.ToEntity); !ok {
			continue
		}
		adjacency[rel.FromEntity] = append(adjacency[rel.FromEntity], rel.ToEntity)
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int)
	var stack []string
	reported := make(map[string]bool)

	var visit func(node string)
	visit = func(node string) {
		color[node] = grey
		stack = append(stack, node)
		for _, next := range adjacency[node] {
			switch color[next] {
			case white:
				visit(next)
			case grey:
				cycle := extractCycle(stack, next)
				key := strings.Join(cycle, ">")
				if reported[key] {
					continue
				}
				reported[key] = true
				path := append(append([]string(nil), cycle...), cycle[0])
				c.add(models.Warning{
					Type:       models.WarningCircularDependency,
					Severity:   models.SeverityError,
					Category:   models.CategoryRelationships,
					Entity:     cycle[0],
					Message:    fmt.Sprintf("Circular dependency detected: %s", strings.Join(path, " -> ")),
					Suggestion: "Break the cycle by removing or reversing one relationship, or make one side optional",
					FixData:    &models.FixData{Cycle: path},
				})
			}
		}
		stack = stack[:len(stack)-1]
		color[node] = black
	}

	for _, e := range doc.Entities {
		if color[e.Name] == white {
			visit(e.Name)
		}
	}
}

// extractCycle returns the stack suffix starting at start, rotated so the
// lexically smallest entity comes first.
func extractCycle(stack []string, start string) []string {
	idx := 0
	for i, n := range stack {
		if n == start {
			idx = i
		}
	}
	cycle := append([]string(nil), stack[idx:]...)

	first := 0
	for i := range cycle {
		if cycle[i] < cycle[first] {
			first = i
		}
	}
	rotated := make([]string, 0, len(cycle))
	rotated = append(rotated, cycle[first:]...)
	return append(rotated, cycle[:first]...)
}

func checkCDM(c *collector, detection *models.CDMDetection) {
	if detection == nil {
		return
	}
	matches := append([]models.CDMMatch(nil), detection.Matches...)
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Entity < matches[j].Entity })
	for _, m := range matches {
		c.add(models.Warning{
			Type:       models.WarningCDMEntityDetected,
			Severity:   models.SeverityInfo,
			Category:   models.CategoryCDM,
			Entity:     m.Entity,
			Message:    fmt.Sprintf("Entity %s matches the standard table %s (%s match, confidence %.2f)", m.Entity, m.CDMEntity, m.MatchType, m.Confidence),
			Suggestion: fmt.Sprintf("Choose CDM to reuse %s instead of creating a custom table", m.CDMEntity),
		})
	}
}
