package models

// WarningType is the closed set of validation findings.
type WarningType string

const (
	WarningMissingPrimaryKey    WarningType = "missing_primary_key"
	WarningMultiplePrimaryKeys  WarningType = "multiple_primary_keys"
	WarningDuplicateColumns     WarningType = "duplicate_columns"
	WarningDuplicateEntity      WarningType = "duplicate_entity"
	WarningUnclosedEntityBlock  WarningType = "unclosed_entity_block"
	WarningInvalidAttribute     WarningType = "invalid_attribute_syntax"
	WarningUnknownType          WarningType = "unknown_type"
	WarningSystemAttribute      WarningType = "system_attribute_conflict"
	WarningStatusColumnIgnored  WarningType = "status_column_ignored"
	WarningNamingConflict       WarningType = "naming_conflict"
	WarningInvalidEntityName    WarningType = "invalid_entity_name"
	WarningInvalidAttributeName WarningType = "invalid_attribute_name"
	WarningEntityNameTooLong    WarningType = "entity_name_too_long"
	WarningAttributeNameTooLong WarningType = "attribute_name_too_long"
	WarningReservedEntityName   WarningType = "reserved_entity_name"
	WarningSQLReservedWord      WarningType = "sql_reserved_word"
	WarningEntityNamingStyle    WarningType = "entity_naming_convention"
	WarningAttributeNamingStyle WarningType = "attribute_naming_convention"
	WarningMissingEntity        WarningType = "missing_entity"
	WarningManyToMany           WarningType = "many_to_many_relationship"
	WarningSelfReference        WarningType = "self_reference"
	WarningMissingForeignKey    WarningType = "missing_foreign_key"
	WarningForeignKeyNaming     WarningType = "foreign_key_naming"
	WarningCircularDependency   WarningType = "circular_dependency"
	WarningUnknownCardinality   WarningType = "unknown_cardinality"
	WarningInvalidRelationName  WarningType = "invalid_relationship_name"
	WarningRelationNameTooLong  WarningType = "relationship_name_too_long"
	WarningCDMEntityDetected    WarningType = "cdm_entity_detected"
)

// Severity of a finding. Errors block deployment.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Category groups findings for display.
type Category string

const (
	CategoryStructure     Category = "structure"
	CategoryNaming        Category = "naming"
	CategoryRelationships Category = "relationships"
	CategoryCDM           Category = "cdm"
	CategorySystem        Category = "system"
)

// FixData tells the auto-fixer which transformation to perform.
// Only the fields relevant to the warning type are set.
type FixData struct {
	Entity        string   `json:"entity,omitempty"`
	Attribute     string   `json:"attribute,omitempty"`
	FromEntity    string   `json:"fromEntity,omitempty"`
	ToEntity      string   `json:"toEntity,omitempty"`
	Relationship  string   `json:"relationship,omitempty"`
	SuggestedName string   `json:"suggestedName,omitempty"`
	JunctionName  string   `json:"junctionName,omitempty"`
	Cycle         []string `json:"cycle,omitempty"`
}

// Warning is one validation finding. ID is a content hash, stable across
// re-validation of the same content.
type Warning struct {
	ID           string      `json:"id"`
	Type         WarningType `json:"type"`
	Severity     Severity    `json:"severity"`
	Category     Category    `json:"category"`
	Entity       string      `json:"entity,omitempty"`
	Attribute    string      `json:"attribute,omitempty"`
	Relationship string      `json:"relationship,omitempty"`
	Message      string      `json:"message"`
	Suggestion   string      `json:"suggestion,omitempty"`
	AutoFixable  bool        `json:"autoFixable"`
	FixData      *FixData    `json:"fixData,omitempty"`
}

// ValidationSummary aggregates a warning list.
type ValidationSummary struct {
	TotalEntities      int  `json:"totalEntities"`
	TotalRelationships int  `json:"totalRelationships"`
	Errors             int  `json:"errors"`
	Warnings           int  `json:"warnings"`
	Info               int  `json:"info"`
	AutoFixable        int  `json:"autoFixable"`
	IsValid            bool `json:"isValid"`
}

// Summarize counts warnings by severity. IsValid is false when any error exists.
func Summarize(entities, relationships int, warnings []Warning) ValidationSummary {
	s := ValidationSummary{
		TotalEntities:      entities,
		TotalRelationships: relationships,
	}
	for _, w := range warnings {
		switch w.Severity {
		case SeverityError:
			s.Errors++
		case SeverityWarning:
			s.Warnings++
		default:
			s.Info++
		}
		if w.AutoFixable {
			s.AutoFixable++
		}
	}
	s.IsValid = s.Errors == 0
	return s
}

// HasErrors returns true if any warning has error severity.
func HasErrors(warnings []Warning) bool {
	for _, w := range warnings {
		if w.Severity == SeverityError {
			return true
		}
	}
	return false
}
