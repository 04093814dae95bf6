package models

import "strings"

// ============================================================================
// Attribute Types
// ============================================================================

// AttributeType is the resolved Dataverse column type of an ERD attribute.
type AttributeType string

const (
	AttributeTypeString           AttributeType = "String"
	AttributeTypeInteger          AttributeType = "Integer"
	AttributeTypeBigInt           AttributeType = "BigInt"
	AttributeTypeDecimal          AttributeType = "Decimal"
	AttributeTypeDouble           AttributeType = "Double"
	AttributeTypeMoney            AttributeType = "Money"
	AttributeTypeBoolean          AttributeType = "Boolean"
	AttributeTypeDateTime         AttributeType = "DateTime"
	AttributeTypeDateOnly         AttributeType = "DateOnly"
	AttributeTypeMemo             AttributeType = "Memo"
	AttributeTypeUniqueidentifier AttributeType = "Uniqueidentifier"
	AttributeTypeChoice           AttributeType = "Choice"
	AttributeTypeLookup           AttributeType = "Lookup"
	AttributeTypeEmail            AttributeType = "Email"
	AttributeTypePhone            AttributeType = "Phone"
	AttributeTypeURL              AttributeType = "Url"
)

// ============================================================================
// Cardinality
// ============================================================================

// Cardinality classifies a relationship edge.
type Cardinality string

const (
	CardinalityOneToOne   Cardinality = "one-to-one"
	CardinalityOneToMany  Cardinality = "one-to-many"
	CardinalityZeroToMany Cardinality = "zero-to-many"
	CardinalityManyToMany Cardinality = "many-to-many"
	CardinalityUnknown    Cardinality = "unknown"
)

// IsHierarchical returns true when the edge can be materialized as a
// Dataverse one-to-many relationship (the "to" side carries the lookup).
func (c Cardinality) IsHierarchical() bool {
	return c == CardinalityOneToOne || c == CardinalityOneToMany || c == CardinalityZeroToMany
}

// ============================================================================
// Source spans
// ============================================================================

// Span locates a construct in the original ERD text by 0-based line index.
// End is inclusive. A zero Span with Valid=false means synthesized content.
type Span struct {
	Start int  `json:"start"`
	End   int  `json:"end"`
	Valid bool `json:"-"`
}

// ============================================================================
// Entity / Attribute / Relationship
// ============================================================================

// Attribute is one column of an entity.
type Attribute struct {
	Name          string        `json:"name"`
	DisplayName   string        `json:"displayName"`
	OriginalType  string        `json:"originalType"`
	Type          AttributeType `json:"type"`
	IsPrimaryKey  bool          `json:"isPrimaryKey"`
	IsForeignKey  bool          `json:"isForeignKey"`
	IsUnique      bool          `json:"isUnique"`
	IsRequired    bool          `json:"isRequired"`
	Description   string        `json:"description,omitempty"`
	ChoiceOptions []string      `json:"choiceOptions,omitempty"`
	TargetEntity  string        `json:"targetEntity,omitempty"`
	Line          int           `json:"line"`
}

// Entity is one Dataverse table candidate.
type Entity struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Attributes  []Attribute `json:"attributes"`
	IsCdm       bool        `json:"isCdm"`
	Span        Span        `json:"span"`
}

// PrimaryKeys returns the attributes flagged as primary key.
func (e *Entity) PrimaryKeys() []Attribute {
	var pks []Attribute
	for _, a := range e.Attributes {
		if a.IsPrimaryKey {
			pks = append(pks, a)
		}
	}
	return pks
}

// ForeignKeys returns the attributes flagged as foreign key.
func (e *Entity) ForeignKeys() []Attribute {
	var fks []Attribute
	for _, a := range e.Attributes {
		if a.IsForeignKey {
			fks = append(fks, a)
		}
	}
	return fks
}

// Attribute finds an attribute by case-insensitive name.
func (e *Entity) Attribute(name string) (Attribute, bool) {
	for _, a := range e.Attributes {
		if strings.EqualFold(a.Name, name) {
			return a, true
		}
	}
	return Attribute{}, false
}

// Relationship is a cardinality-typed edge between two entities.
// FromEntity is always the referenced ("one") side after parsing.
type Relationship struct {
	FromEntity  string      `json:"fromEntity"`
	ToEntity    string      `json:"toEntity"`
	Cardinality Cardinality `json:"cardinality"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Label       string      `json:"label,omitempty"`
	Symbol      string      `json:"symbol"`
	Line        int         `json:"line"`
}

// IsSelfReference returns true when both ends name the same entity.
func (r *Relationship) IsSelfReference() bool {
	return strings.EqualFold(r.FromEntity, r.ToEntity)
}

// EntityByName finds an entity by exact name in a slice.
func EntityByName(entities []Entity, name string) (*Entity, bool) {
	for i := range entities {
		if entities[i].Name == name {
			return &entities[i], true
		}
	}
	return nil, false
}
