package erd

import (
	"regexp"
	"strings"

	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

// literalTypes maps lower-cased Mermaid type tokens to Dataverse types.
var literalTypes = map[string]models.AttributeType{
	"string":           models.AttributeTypeString,
	"varchar":          models.AttributeTypeString,
	"nvarchar":         models.AttributeTypeString,
	"char":             models.AttributeTypeString,
	"nchar":            models.AttributeTypeString,
	"text":             models.AttributeTypeMemo,
	"memo":             models.AttributeTypeMemo,
	"longtext":         models.AttributeTypeMemo,
	"multiline":        models.AttributeTypeMemo,
	"int":              models.AttributeTypeInteger,
	"integer":          models.AttributeTypeInteger,
	"smallint":         models.AttributeTypeInteger,
	"tinyint":          models.AttributeTypeInteger,
	"bigint":           models.AttributeTypeBigInt,
	"long":             models.AttributeTypeBigInt,
	"decimal":          models.AttributeTypeDecimal,
	"numeric":          models.AttributeTypeDecimal,
	"number":           models.AttributeTypeDecimal,
	"float":            models.AttributeTypeDouble,
	"double":           models.AttributeTypeDouble,
	"real":             models.AttributeTypeDouble,
	"money":            models.AttributeTypeMoney,
	"currency":         models.AttributeTypeMoney,
	"bool":             models.AttributeTypeBoolean,
	"boolean":          models.AttributeTypeBoolean,
	"bit":              models.AttributeTypeBoolean,
	"yesno":            models.AttributeTypeBoolean,
	"datetime":         models.AttributeTypeDateTime,
	"timestamp":        models.AttributeTypeDateTime,
	"datetime2":        models.AttributeTypeDateTime,
	"date":             models.AttributeTypeDateOnly,
	"dateonly":         models.AttributeTypeDateOnly,
	"guid":             models.AttributeTypeUniqueidentifier,
	"uuid":             models.AttributeTypeUniqueidentifier,
	"uniqueidentifier": models.AttributeTypeUniqueidentifier,
	"email":            models.AttributeTypeEmail,
	"phone":            models.AttributeTypePhone,
	"url":              models.AttributeTypeURL,
	"choice":           models.AttributeTypeChoice,
	"picklist":         models.AttributeTypeChoice,
	"optionset":        models.AttributeTypeChoice,
	"lookup":           models.AttributeTypeLookup,
}

var (
	choiceTypePattern = regexp.MustCompile(`(?i)^choice\s*\((.*)\)$`)
	lookupTypePattern = regexp.MustCompile(`(?i)^lookup\s*\((.*)\)$`)
	// varchar(255), decimal(10,2), string[]
	typeSuffixPattern = regexp.MustCompile(`(\(.*\)|\[\])$`)
)

// TypeInfo is the result of resolving a raw type token.
type TypeInfo struct {
	Type          models.AttributeType
	ChoiceOptions []string
	TargetEntity  string
	Known         bool
}

// ResolveType maps a raw Mermaid type token plus the attribute name to a Dataverse
// type. Literal mapping runs first; name heuristics then refine String/Decimal columns.
// Unknown tokens default to String with Known=false.
func ResolveType(token, attrName string) TypeInfo {
	token = strings.TrimSpace(token)

	if m := choiceTypePattern.FindStringSubmatch(token); m != nil {
		return TypeInfo{Type: models.AttributeTypeChoice, ChoiceOptions: SplitOptions(m[1]), Known: true}
	}
	if m := lookupTypePattern.FindStringSubmatch(token); m != nil {
		return TypeInfo{Type: models.AttributeTypeLookup, TargetEntity: strings.TrimSpace(m[1]), Known: true}
	}

	base := strings.ToLower(typeSuffixPattern.ReplaceAllString(token, ""))
	t, ok := literalTypes[base]
	if !ok {
		return TypeInfo{Type: refineByName(models.AttributeTypeString, attrName), Known: false}
	}
	return TypeInfo{Type: refineByName(t, attrName), Known: true}
}

// refineByName applies semantic heuristics on the attribute name.
func refineByName(t models.AttributeType, attrName string) models.AttributeType {
	name := strings.ToLower(attrName)
	switch t {
	case models.AttributeTypeString:
		switch {
		case strings.Contains(name, "email"):
			return models.AttributeTypeEmail
		case strings.Contains(name, "phone") || strings.Contains(name, "mobile") ||
			strings.Contains(name, "fax") || strings.HasSuffix(name, "tel"):
			return models.AttributeTypePhone
		case strings.Contains(name, "url") || strings.Contains(name, "website"):
			return models.AttributeTypeURL
		case strings.Contains(name, "description") || strings.Contains(name, "notes") ||
			strings.Contains(name, "comment"):
			return models.AttributeTypeMemo
		}
	case models.AttributeTypeDecimal:
		for _, hint := range []string{"price", "amount", "cost", "salary", "revenue", "total", "fee", "balance"} {
			if strings.Contains(name, hint) {
				return models.AttributeTypeMoney
			}
		}
	}
	return t
}

// SplitOptions splits a choice option list, trimming whitespace and quotes.
func SplitOptions(raw string) []string {
	var options []string
	for _, part := range strings.Split(raw, ",") {
		opt := strings.Trim(strings.TrimSpace(part), `"'`)
		if opt != "" {
			options = append(options, opt)
		}
	}
	return options
}
