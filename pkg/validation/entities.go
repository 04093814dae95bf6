package validation

import (
	"fmt"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// systemAttributes collide with columns Dataverse adds to every table.
var systemAttributes = map[string]bool{
	"statuscode": true,
	"statecode":  true,
	"ownerid":    true,
	"owninguser": true,
	"owningteam": true,
}

func checkPrimaryKeys(c *collector, entity *models.Entity) {
	if entity.IsCdm {
		return
	}
	pks := entity.PrimaryKeys()
	switch {
	case len(pks) == 0:
		c.add(models.Warning{
			Type:        models.WarningMissingPrimaryKey,
			Severity:    models.SeverityError,
			Category:    models.CategoryStructure,
			Entity:      entity.Name,
			Message:     fmt.Sprintf("Entity %s has no primary key", entity.Name),
			Suggestion:  `Add a primary key attribute, e.g. string id PK "Primary identifier"`,
			AutoFixable: true,
			FixData:     &models.FixData{Entity: entity.Name},
		})
	case len(pks) > 1:
		names := make([]string, len(pks))
		for i, pk := range pks {
			names[i] = pk.Name
		}
		c.add(models.Warning{
			Type:        models.WarningMultiplePrimaryKeys,
			Severity:    models.SeverityError,
			Category:    models.CategoryStructure,
			Entity:      entity.Name,
			Message:     fmt.Sprintf("Entity %s has %d primary keys (%s); Dataverse supports exactly one", entity.Name, len(pks), strings.Join(names, ", ")),
			Suggestion:  fmt.Sprintf("Keep %s as the primary key and mark the others unique instead", pks[0].Name),
			AutoFixable: true,
			FixData:     &models.FixData{Entity: entity.Name, Attribute: pks[0].Name},
		})
	}
}

func checkDuplicateColumns(c *collector, entity *models.Entity) {
	seen := make(map[string]string)
	for _, a := range entity.Attributes {
		key := strings.ToLower(a.Name)
		first, dup := seen[key]
		if !dup {
			seen[key] = a.Name
			continue
		}
		c.add(models.Warning{
			Type:        models.WarningDuplicateColumns,
			Severity:    models.SeverityError,
			Category:    models.CategoryStructure,
			Entity:      entity.Name,
			Attribute:   a.Name,
			Message:     fmt.Sprintf("Entity %s defines column %s more than once (conflicts with %s)", entity.Name, a.Name, first),
			Suggestion:  fmt.Sprintf("Remove or rename the duplicate %s column", a.Name),
			AutoFixable: true,
			FixData:     &models.FixData{Entity: entity.Name, Attribute: a.Name},
		})
	}
}

// checkSystemAttributes covers Dataverse-managed columns plus the literal
// "name" column that collides with the generated primary name attribute.
func checkSystemAttributes(c *collector, entity *models.Entity) {
	if entity.IsCdm {
		return
	}
	for _, a := range entity.Attributes {
		lower := strings.ToLower(a.Name)
		switch {
		case systemAttributes[lower]:
			suggested := SystemAttributeRename(entity.Name, a.Name)
			c.add(models.Warning{
				Type:        models.WarningSystemAttribute,
				Severity:    models.SeverityError,
				Category:    models.CategorySystem,
				Entity:      entity.Name,
				Attribute:   a.Name,
				Message:     fmt.Sprintf("Attribute %s.%s collides with the Dataverse system column %s", entity.Name, a.Name, lower),
				Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
				AutoFixable: true,
				FixData:     &models.FixData{Entity: entity.Name, Attribute: a.Name, SuggestedName: suggested},
			})
		case lower == "status":
			c.add(models.Warning{
				Type:       models.WarningStatusColumnIgnored,
				Severity:   models.SeverityInfo,
				Category:   models.CategorySystem,
				Entity:     entity.Name,
				Attribute:  a.Name,
				Message:    fmt.Sprintf("Attribute %s.%s will be ignored; Dataverse provides a native status column", entity.Name, a.Name),
				Suggestion: "Use the built-in Status and Status Reason columns",
			})
		case lower == "name" && !a.IsPrimaryKey:
			suggested := erd.SnakeCase(entity.Name) + "_name"
			c.add(models.Warning{
				Type:        models.WarningNamingConflict,
				Severity:    models.SeverityWarning,
				Category:    models.CategoryNaming,
				Entity:      entity.Name,
				Attribute:   a.Name,
				Message:     fmt.Sprintf("Attribute %s.%s conflicts with the primary name column Dataverse generates", entity.Name, a.Name),
				Suggestion:  fmt.Sprintf("Rename it to %s", suggested),
				AutoFixable: true,
				FixData:     &models.FixData{Entity: entity.Name, Attribute: a.Name, SuggestedName: suggested},
			})
		}
	}
}

// SystemAttributeRename returns entityname_attributename in lower case.
func SystemAttributeRename(entity, attribute string) string {
	return strings.ToLower(entity) + "_" + strings.ToLower(attribute)
}
