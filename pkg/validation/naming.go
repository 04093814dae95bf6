package validation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

const (
	MaxEntityNameLength       = 50
	MaxAttributeNameLength    = 50
	MaxRelationshipNameLength = 100
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// reservedEntityNames are Dataverse system tables a custom table must not shadow.
var reservedEntityNames = map[string]bool{
	"account":             true,
	"activity":            true,
	"activitypointer":     true,
	"annotation":          true,
	"businessunit":        true,
	"connection":          true,
	"contact":             true,
	"incident":            true,
	"lead":                true,
	"opportunity":         true,
	"organization":        true,
	"publisher":           true,
	"queue":               true,
	"role":                true,
	"solution":            true,
	"systemuser":          true,
	"team":                true,
	"territory":           true,
	"transactioncurrency": true,
	"user":                true,
}

// sqlReservedWords are statement and clause keywords. Common domain nouns
// that are also keywords (order, group, date) are left out on purpose.
var sqlReservedWords = map[string]bool{
	"alter":      true,
	"column":     true,
	"constraint": true,
	"create":     true,
	"default":    true,
	"delete":     true,
	"distinct":   true,
	"drop":       true,
	"foreign":    true,
	"from":       true,
	"grant":      true,
	"having":     true,
	"index":      true,
	"insert":     true,
	"into":       true,
	"join":       true,
	"key":        true,
	"null":       true,
	"primary":    true,
	"procedure":  true,
	"references": true,
	"revoke":     true,
	"select":     true,
	"table":      true,
	"trigger":    true,
	"union":      true,
	"update":     true,
	"values":     true,
	"view":       true,
	"where":      true,
}

// IsReservedEntityName reports a collision with a Dataverse system table.
func IsReservedEntityName(name string) bool {
	return reservedEntityNames[strings.ToLower(name)]
}

// IsSQLReservedWord reports a collision with a SQL keyword.
func IsSQLReservedWord(name string) bool {
	return sqlReservedWords[strings.ToLower(name)]
}

// SanitizeIdentifier drops characters outside [A-Za-z0-9_] and prefixes the
// result when it does not start with a letter.
func SanitizeIdentifier(name, prefix string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || !isASCIILetter(out[0]) {
		out = prefix + out
	}
	return out
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// Truncate shortens name to max characters without a trailing underscore.
func Truncate(name string, max int) string {
	if len(name) <= max {
		return name
	}
	return strings.TrimRight(name[:max], "_")
}

func checkEntityNaming(c *collector, entity *models.Entity) {
	if entity.IsCdm {
		return
	}
	name := entity.Name

	if !identifierPattern.MatchString(name) {
		suggested := SanitizeIdentifier(name, "Entity")
		c.add(models.Warning{
			Type:        models.WarningInvalidEntityName,
			Severity:    models.SeverityError,
			Category:    models.CategoryNaming,
			Entity:      name,
			Message:     fmt.Sprintf("Entity name %s must start with a letter and contain only letters, digits and underscores", name),
			Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
			AutoFixable: true,
			FixData:     &models.FixData{Entity: name, SuggestedName: suggested},
		})
		return
	}

	if len(name) > MaxEntityNameLength {
		suggested := Truncate(name, MaxEntityNameLength)
		c.add(models.Warning{
			Type:        models.WarningEntityNameTooLong,
			Severity:    models.SeverityError,
			Category:    models.CategoryNaming,
			Entity:      name,
			Message:     fmt.Sprintf("Entity name %s is %d characters; the limit is %d", name, len(name), MaxEntityNameLength),
			Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
			AutoFixable: true,
			FixData:     &models.FixData{Entity: name, SuggestedName: suggested},
		})
	}

	if IsReservedEntityName(name) {
		suggested := "Custom" + erd.PascalCase(name)
		c.add(models.Warning{
			Type:        models.WarningReservedEntityName,
			Severity:    models.SeverityError,
			Category:    models.CategoryNaming,
			Entity:      name,
			Message:     fmt.Sprintf("Entity name %s collides with a Dataverse system table", name),
			Suggestion:  fmt.Sprintf("Rename it to %s, or opt in to reuse the standard table", suggested),
			AutoFixable: true,
			FixData:     &models.FixData{Entity: name, SuggestedName: suggested},
		})
	} else if IsSQLReservedWord(name) {
		suggested := erd.PascalCase(name) + "Record"
		c.add(models.Warning{
			Type:        models.WarningSQLReservedWord,
			Severity:    models.SeverityWarning,
			Category:    models.CategoryNaming,
			Entity:      name,
			Message:     fmt.Sprintf("Entity name %s is a SQL reserved word", name),
			Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
			AutoFixable: true,
			FixData:     &models.FixData{Entity: name, SuggestedName: suggested},
		})
	}

	if !erd.IsPascalCase(name) {
		suggested := erd.PascalCase(name)
		c.add(models.Warning{
			Type:        models.WarningEntityNamingStyle,
			Severity:    models.SeverityInfo,
			Category:    models.CategoryNaming,
			Entity:      name,
			Message:     fmt.Sprintf("Entity name %s is not PascalCase", name),
			Suggestion:  fmt.Sprintf("Consider renaming it to %s", suggested),
			AutoFixable: suggested != name && suggested != "",
			FixData:     &models.FixData{Entity: name, SuggestedName: suggested},
		})
	}
}

func checkAttributeNaming(c *collector, entity *models.Entity) {
	if entity.IsCdm {
		return
	}
	for _, a := range entity.Attributes {
		name := a.Name

		if !identifierPattern.MatchString(name) {
			suggested := SanitizeIdentifier(name, "col_")
			c.add(models.Warning{
				Type:        models.WarningInvalidAttributeName,
				Severity:    models.SeverityError,
				Category:    models.CategoryNaming,
				Entity:      entity.Name,
				Attribute:   name,
				Message:     fmt.Sprintf("Attribute name %s.%s must start with a letter and contain only letters, digits and underscores", entity.Name, name),
				Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
				AutoFixable: true,
				FixData:     &models.FixData{Entity: entity.Name, Attribute: name, SuggestedName: suggested},
			})
			continue
		}

		if len(name) > MaxAttributeNameLength {
			suggested := Truncate(name, MaxAttributeNameLength)
			c.add(models.Warning{
				Type:        models.WarningAttributeNameTooLong,
				Severity:    models.SeverityError,
				Category:    models.CategoryNaming,
				Entity:      entity.Name,
				Attribute:   name,
				Message:     fmt.Sprintf("Attribute name %s.%s is %d characters; the limit is %d", entity.Name, name, len(name), MaxAttributeNameLength),
				Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
				AutoFixable: true,
				FixData:     &models.FixData{Entity: entity.Name, Attribute: name, SuggestedName: suggested},
			})
		}

		if IsSQLReservedWord(name) {
			suggested := strings.ToLower(name) + "_value"
			c.add(models.Warning{
				Type:        models.WarningSQLReservedWord,
				Severity:    models.SeverityWarning,
				Category:    models.CategoryNaming,
				Entity:      entity.Name,
				Attribute:   name,
				Message:     fmt.Sprintf("Attribute name %s.%s is a SQL reserved word", entity.Name, name),
				Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
				AutoFixable: true,
				FixData:     &models.FixData{Entity: entity.Name, Attribute: name, SuggestedName: suggested},
			})
		}

		if !erd.IsLowerIdentifier(name) {
			c.add(models.Warning{
				Type:       models.WarningAttributeNamingStyle,
				Severity:   models.SeverityInfo,
				Category:   models.CategoryNaming,
				Entity:     entity.Name,
				Attribute:  name,
				Message:    fmt.Sprintf("Attribute name %s.%s should be camelCase or snake_case", entity.Name, name),
				Suggestion: fmt.Sprintf("Consider renaming it to %s", erd.SnakeCase(name)),
			})
		}
	}
}

func checkRelationshipNaming(c *collector, rel models.Relationship) {
	if rel.Label == "" {
		return
	}
	if !identifierPattern.MatchString(rel.Label) {
		suggested := SanitizeIdentifier(rel.Label, "rel_")
		c.add(models.Warning{
			Type:         models.WarningInvalidRelationName,
			Severity:     models.SeverityWarning,
			Category:     models.CategoryNaming,
			Relationship: rel.Name,
			Message:      fmt.Sprintf("Relationship label %q between %s and %s is not a valid identifier", rel.Label, rel.FromEntity, rel.ToEntity),
			Suggestion:   fmt.Sprintf("Rename it to %s", suggested),
			AutoFixable:  true,
			FixData: &models.FixData{
				FromEntity:    rel.FromEntity,
				ToEntity:      rel.ToEntity,
				Relationship:  rel.Name,
				SuggestedName: suggested,
			},
		})
		return
	}
	if len(rel.Label) > MaxRelationshipNameLength {
		suggested := Truncate(rel.Label, MaxRelationshipNameLength)
		c.add(models.Warning{
			Type:         models.WarningRelationNameTooLong,
			Severity:     models.SeverityWarning,
			Category:     models.CategoryNaming,
			Relationship: rel.Name,
			Message:      fmt.Sprintf("Relationship name %s is %d characters; the limit is %d", rel.Label, len(rel.Label), MaxRelationshipNameLength),
			Suggestion:   fmt.Sprintf("Rename it to %s", suggested),
			AutoFixable:  true,
			FixData: &models.FixData{
				FromEntity:    rel.FromEntity,
				ToEntity:      rel.ToEntity,
				Relationship:  rel.Name,
				SuggestedName: suggested,
			},
		})
	}
}
