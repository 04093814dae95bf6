package schema

import (
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

const odataPrefix = "Microsoft.Dynamics.CRM."

// Label renders a Dataverse Label with one localized label.
func Label(text string, languageCode int) map[string]any {
	return map[string]any{
		"@odata.type": odataPrefix + "Label",
		"LocalizedLabels": []map[string]any{{
			"@odata.type":  odataPrefix + "LocalizedLabel",
			"Label":        text,
			"LanguageCode": languageCode,
		}},
	}
}

func requiredLevel(level string) map[string]any {
	return map[string]any{
		"Value":                      level,
		"CanBeChanged":               true,
		"ManagedPropertyLogicalName": "canmodifyrequirementlevelsettings",
	}
}

// EntityPayload is the EntityDefinitions POST body. Dataverse requires the
// primary name column to be created together with the table.
func EntityPayload(e EntityDefinition, languageCode int) map[string]any {
	description := e.Description
	if description == "" {
		description = e.DisplayName
	}
	payload := map[string]any{
		"@odata.type":           odataPrefix + "EntityMetadata",
		"SchemaName":            e.SchemaName,
		"DisplayName":           Label(e.DisplayName, languageCode),
		"DisplayCollectionName": Label(e.DisplayCollectionName, languageCode),
		"Description":           Label(description, languageCode),
		"OwnershipType":         "UserOwned",
		"IsActivity":            false,
		"HasActivities":         false,
		"HasNotes":              false,
	}
	if e.PrimaryName != nil {
		payload["Attributes"] = []map[string]any{AttributePayload(*e.PrimaryName, languageCode)}
	}
	return payload
}

// AttributePayload is the Attributes POST body for one column.
func AttributePayload(a AttributeDefinition, languageCode int) map[string]any {
	payload := map[string]any{
		"SchemaName":    a.SchemaName,
		"DisplayName":   Label(a.DisplayName, languageCode),
		"RequiredLevel": requiredLevel(a.RequiredLevel),
	}
	if a.Description != "" {
		payload["Description"] = Label(a.Description, languageCode)
	}

	switch a.Type {
	case models.AttributeTypeMemo:
		payload["@odata.type"] = odataPrefix + "MemoAttributeMetadata"
		payload["Format"] = "TextArea"
		payload["MaxLength"] = a.MaxLength
	case models.AttributeTypeInteger:
		payload["@odata.type"] = odataPrefix + "IntegerAttributeMetadata"
		payload["Format"] = "None"
		payload["MinValue"] = -2147483648
		payload["MaxValue"] = 2147483647
	case models.AttributeTypeBigInt:
		payload["@odata.type"] = odataPrefix + "BigIntAttributeMetadata"
	case models.AttributeTypeDecimal:
		payload["@odata.type"] = odataPrefix + "DecimalAttributeMetadata"
		payload["Precision"] = a.Precision
	case models.AttributeTypeDouble:
		payload["@odata.type"] = odataPrefix + "DoubleAttributeMetadata"
		payload["Precision"] = 2
	case models.AttributeTypeMoney:
		payload["@odata.type"] = odataPrefix + "MoneyAttributeMetadata"
		payload["Precision"] = a.Precision
		payload["PrecisionSource"] = 2
	case models.AttributeTypeBoolean:
		payload["@odata.type"] = odataPrefix + "BooleanAttributeMetadata"
		payload["DefaultValue"] = false
		payload["OptionSet"] = map[string]any{
			"@odata.type": odataPrefix + "BooleanOptionSetMetadata",
			"TrueOption":  map[string]any{"Value": 1, "Label": Label("Yes", languageCode)},
			"FalseOption": map[string]any{"Value": 0, "Label": Label("No", languageCode)},
		}
	case models.AttributeTypeDateTime, models.AttributeTypeDateOnly:
		payload["@odata.type"] = odataPrefix + "DateTimeAttributeMetadata"
		payload["Format"] = "DateAndTime"
		if a.Type == models.AttributeTypeDateOnly {
			payload["Format"] = "DateOnly"
		}
	case models.AttributeTypeChoice:
		payload["@odata.type"] = odataPrefix + "PicklistAttributeMetadata"
		payload["OptionSet"] = map[string]any{
			"@odata.type":   odataPrefix + "OptionSetMetadata",
			"IsGlobal":      false,
			"OptionSetType": "Picklist",
			"Options":       optionPayloads(a.Options, languageCode),
		}
	default:
		payload["@odata.type"] = odataPrefix + "StringAttributeMetadata"
		payload["MaxLength"] = a.MaxLength
		payload["FormatName"] = map[string]any{"Value": stringFormat(a.Type)}
		if a.IsPrimaryName {
			payload["IsPrimaryName"] = true
		}
	}
	return payload
}

func stringFormat(t models.AttributeType) string {
	switch t {
	case models.AttributeTypeEmail:
		return "Email"
	case models.AttributeTypePhone:
		return "Phone"
	case models.AttributeTypeURL:
		return "Url"
	default:
		return "Text"
	}
}

func optionPayloads(options []ChoiceOption, languageCode int) []map[string]any {
	out := make([]map[string]any, 0, len(options))
	for _, o := range options {
		out = append(out, map[string]any{
			"Value": o.Value,
			"Label": Label(o.Label, languageCode),
		})
	}
	return out
}

// RelationshipPayload is the RelationshipDefinitions POST body.
func RelationshipPayload(r RelationshipDefinition, languageCode int) map[string]any {
	return map[string]any{
		"@odata.type":       odataPrefix + "OneToManyRelationshipMetadata",
		"SchemaName":        r.SchemaName,
		"ReferencedEntity":  r.ReferencedEntity,
		"ReferencingEntity": r.ReferencingEntity,
		"CascadeConfiguration": map[string]any{
			"Assign":     "NoCascade",
			"Delete":     "RemoveLink",
			"Merge":      "NoCascade",
			"Reparent":   "NoCascade",
			"Share":      "NoCascade",
			"Unshare":    "NoCascade",
			"RollupView": "NoCascade",
		},
		"Lookup": map[string]any{
			"@odata.type":   odataPrefix + "LookupAttributeMetadata",
			"SchemaName":    r.LookupSchemaName,
			"DisplayName":   Label(r.LookupDisplayName, languageCode),
			"RequiredLevel": requiredLevel(RequiredNone),
		},
	}
}

// GlobalChoicePayload is the GlobalOptionSetDefinitions POST body.
func GlobalChoicePayload(c GlobalChoiceDefinition, languageCode int) map[string]any {
	payload := map[string]any{
		"@odata.type":   odataPrefix + "OptionSetMetadata",
		"Name":          c.Name,
		"DisplayName":   Label(c.DisplayName, languageCode),
		"IsGlobal":      true,
		"OptionSetType": "Picklist",
		"Options":       optionPayloads(c.Options, languageCode),
	}
	if c.Description != "" {
		payload["Description"] = Label(c.Description, languageCode)
	}
	return payload
}
