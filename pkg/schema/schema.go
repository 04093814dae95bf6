// Package schema turns a validated ERD graph into Dataverse metadata
// definitions and the Web API payloads that create them.
package schema

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jinzhu/inflection"

	"github.com/ekaya-inc/erd2dataverse/pkg/erd"
	"github.com/ekaya-inc/erd2dataverse/pkg/models"
)

const (
	DefaultLanguageCode      = 1033
	DefaultOptionValuePrefix = 10000
	DefaultStringLength      = 100
	DefaultMemoLength        = 2000
	DefaultDecimalPrecision  = 2
	identifierLength         = 36
)

// Required levels understood by Dataverse.
const (
	RequiredNone        = "None"
	RequiredApplication = "ApplicationRequired"
)

var prefixPattern = regexp.MustCompile(`^[a-z][a-z0-9]{1,7}$`)

// Options configure one generation run.
type Options struct {
	PublisherPrefix   string
	LanguageCode      int
	OptionValuePrefix int
	CDM               *models.CDMDetection
	GlobalChoices     []models.GlobalChoice
}

// ChoiceOption is one option of a local or global choice.
type ChoiceOption struct {
	Value int    `json:"value"`
	Label string `json:"label"`
}

// AttributeDefinition is one column to create.
type AttributeDefinition struct {
	Source        string               `json:"source"`
	SchemaName    string               `json:"schemaName"`
	LogicalName   string               `json:"logicalName"`
	DisplayName   string               `json:"displayName"`
	Description   string               `json:"description,omitempty"`
	Type          models.AttributeType `json:"type"`
	RequiredLevel string               `json:"requiredLevel"`
	MaxLength     int                  `json:"maxLength,omitempty"`
	Precision     int                  `json:"precision,omitempty"`
	Options       []ChoiceOption       `json:"options,omitempty"`
	IsPrimaryName bool                 `json:"isPrimaryName,omitempty"`
}

// EntityDefinition is one table. CDM entities already exist remotely and
// carry no attributes to create.
type EntityDefinition struct {
	Name                  string                `json:"name"`
	SchemaName            string                `json:"schemaName"`
	LogicalName           string                `json:"logicalName"`
	DisplayName           string                `json:"displayName"`
	DisplayCollectionName string                `json:"displayCollectionName"`
	Description           string                `json:"description,omitempty"`
	IsCdm                 bool                  `json:"isCdm"`
	PrimaryName           *AttributeDefinition  `json:"primaryName,omitempty"`
	Attributes            []AttributeDefinition `json:"attributes"`
}

// RelationshipSource says where a relationship definition came from.
type RelationshipSource string

const (
	SourceRelationship RelationshipSource = "relationship"
	SourceLookup       RelationshipSource = "lookup"
)

// RelationshipDefinition is one one-to-many relationship with its lookup column.
type RelationshipDefinition struct {
	Name              string             `json:"name"`
	SchemaName        string             `json:"schemaName"`
	ReferencedEntity  string             `json:"referencedEntity"`
	ReferencingEntity string             `json:"referencingEntity"`
	LookupSchemaName  string             `json:"lookupSchemaName"`
	LookupDisplayName string             `json:"lookupDisplayName"`
	Cardinality       models.Cardinality `json:"cardinality"`
	Source            RelationshipSource `json:"source"`
}

// GlobalChoiceDefinition is a global option set to create.
type GlobalChoiceDefinition struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"displayName"`
	Description string         `json:"description,omitempty"`
	Options     []ChoiceOption `json:"options"`
}

// Schema is the full generation output.
type Schema struct {
	PublisherPrefix string                   `json:"publisherPrefix"`
	LanguageCode    int                      `json:"languageCode"`
	Entities        []EntityDefinition       `json:"entities"`
	Relationships   []RelationshipDefinition `json:"relationships"`
	GlobalChoices   []GlobalChoiceDefinition `json:"globalChoices"`
	Warnings        []string                 `json:"warnings"`
}

// Entity finds a definition by ERD name.
func (s *Schema) Entity(name string) (*EntityDefinition, bool) {
	for i := range s.Entities {
		if s.Entities[i].Name == name {
			return &s.Entities[i], true
		}
	}
	return nil, false
}

// CustomEntities returns the entities that must be created.
func (s *Schema) CustomEntities() []EntityDefinition {
	var out []EntityDefinition
	for _, e := range s.Entities {
		if !e.IsCdm {
			out = append(out, e)
		}
	}
	return out
}

// ValidatePrefix checks a publisher customization prefix.
func ValidatePrefix(prefix string) error {
	if !prefixPattern.MatchString(prefix) {
		return fmt.Errorf("publisher prefix %q must be 2-8 lowercase letters or digits starting with a letter", prefix)
	}
	if strings.HasPrefix(prefix, "mscrm") {
		return fmt.Errorf("publisher prefix %q is reserved", prefix)
	}
	return nil
}

// Generator converts parsed entities and relationships to definitions.
type Generator struct {
	opts Options
}

// NewGenerator validates options and fills defaults.
func NewGenerator(opts Options) (*Generator, error) {
	if err := ValidatePrefix(opts.PublisherPrefix); err != nil {
		return nil, err
	}
	if opts.LanguageCode == 0 {
		opts.LanguageCode = DefaultLanguageCode
	}
	if opts.OptionValuePrefix == 0 {
		opts.OptionValuePrefix = DefaultOptionValuePrefix
	}
	return &Generator{opts: opts}, nil
}

// LanguageCode returns the label language used by payloads.
func (g *Generator) LanguageCode() int {
	return g.opts.LanguageCode
}

// Generate builds the schema. Foreign-key columns and lookup(...) columns are
// realised as relationships; relationships that cannot be materialised are
// skipped and reported in Warnings.
func (g *Generator) Generate(entities []models.Entity, relationships []models.Relationship) *Schema {
	s := &Schema{
		PublisherPrefix: g.opts.PublisherPrefix,
		LanguageCode:    g.opts.LanguageCode,
		Entities:        []EntityDefinition{},
		Relationships:   []RelationshipDefinition{},
		GlobalChoices:   []GlobalChoiceDefinition{},
		Warnings:        []string{},
	}

	for _, e := range entities {
		s.Entities = append(s.Entities, g.entity(e))
	}
	g.relationships(s, entities, relationships)
	for _, c := range g.opts.GlobalChoices {
		s.GlobalChoices = append(s.GlobalChoices, g.globalChoice(c))
	}
	return s
}

func (g *Generator) schemaName(name string) string {
	return g.opts.PublisherPrefix + "_" + name
}

// ============================================================================
// Entities and attributes
// ============================================================================

func (g *Generator) entity(e models.Entity) EntityDefinition {
	def := EntityDefinition{
		Name:                  e.Name,
		DisplayName:           e.DisplayName,
		DisplayCollectionName: inflection.Plural(e.DisplayName),
		Attributes:            []AttributeDefinition{},
	}
	if def.DisplayName == "" {
		def.DisplayName = erd.DisplayName(e.Name)
		def.DisplayCollectionName = inflection.Plural(def.DisplayName)
	}

	if e.IsCdm {
		def.IsCdm = true
		def.SchemaName = e.Name
		def.LogicalName = strings.ToLower(e.Name)
		if m, ok := g.opts.CDM.Match(e.Name); ok && m.LogicalName != "" {
			def.LogicalName = m.LogicalName
		}
		return def
	}

	def.SchemaName = g.schemaName(e.Name)
	def.LogicalName = strings.ToLower(def.SchemaName)

	primary := primaryNameSource(e)
	for _, a := range e.Attributes {
		if !materialized(a) {
			continue
		}
		attr := g.attribute(a)
		if primary != nil && a.Name == primary.Name {
			attr.IsPrimaryName = true
			attr.Type = models.AttributeTypeString
			attr.MaxLength = DefaultStringLength
			attr.Options = nil
			def.PrimaryName = &attr
			continue
		}
		def.Attributes = append(def.Attributes, attr)
	}
	if def.PrimaryName == nil {
		def.PrimaryName = &AttributeDefinition{
			SchemaName:    g.schemaName("name"),
			LogicalName:   strings.ToLower(g.schemaName("name")),
			DisplayName:   "Name",
			Type:          models.AttributeTypeString,
			RequiredLevel: RequiredNone,
			MaxLength:     DefaultStringLength,
			IsPrimaryName: true,
		}
	}
	return def
}

// materialized reports whether an attribute becomes a column. Keys are
// provided by Dataverse or by relationships; status is provided natively.
func materialized(a models.Attribute) bool {
	if a.IsPrimaryKey || a.IsForeignKey || a.Type == models.AttributeTypeLookup {
		return false
	}
	return !strings.EqualFold(a.Name, "status")
}

// primaryNameSource picks a plain string column ending in "name" or named
// "title" as the table's primary name column.
func primaryNameSource(e models.Entity) *models.Attribute {
	for i := range e.Attributes {
		a := &e.Attributes[i]
		if !materialized(*a) || a.Type != models.AttributeTypeString {
			continue
		}
		lower := strings.ToLower(a.Name)
		if strings.HasSuffix(lower, "name") || lower == "title" {
			return a
		}
	}
	return nil
}

func (g *Generator) attribute(a models.Attribute) AttributeDefinition {
	def := AttributeDefinition{
		Source:        a.Name,
		SchemaName:    g.schemaName(a.Name),
		LogicalName:   strings.ToLower(g.schemaName(a.Name)),
		DisplayName:   a.DisplayName,
		Description:   a.Description,
		Type:          a.Type,
		RequiredLevel: RequiredNone,
	}
	if def.DisplayName == "" {
		def.DisplayName = erd.DisplayName(a.Name)
	}
	if a.IsRequired {
		def.RequiredLevel = RequiredApplication
	}

	switch a.Type {
	case models.AttributeTypeString, models.AttributeTypeEmail, models.AttributeTypePhone, models.AttributeTypeURL:
		def.MaxLength = DefaultStringLength
	case models.AttributeTypeMemo:
		def.MaxLength = DefaultMemoLength
	case models.AttributeTypeDecimal, models.AttributeTypeMoney:
		def.Precision = DefaultDecimalPrecision
	case models.AttributeTypeUniqueidentifier:
		// Custom uniqueidentifier columns cannot be created; store the text form.
		def.Type = models.AttributeTypeString
		def.MaxLength = identifierLength
	case models.AttributeTypeChoice:
		def.Options = g.options(a.ChoiceOptions)
	}
	return def
}

func (g *Generator) options(labels []string) []ChoiceOption {
	base := g.opts.OptionValuePrefix * 10000
	out := make([]ChoiceOption, 0, len(labels))
	for i, l := range labels {
		out = append(out, ChoiceOption{Value: base + i, Label: l})
	}
	return out
}

func (g *Generator) globalChoice(c models.GlobalChoice) GlobalChoiceDefinition {
	display := c.DisplayName
	if display == "" {
		display = erd.DisplayName(c.Name)
	}
	return GlobalChoiceDefinition{
		Name:        strings.ToLower(g.schemaName(erd.SnakeCase(c.Name))),
		DisplayName: display,
		Description: c.Description,
		Options:     g.options(c.Options),
	}
}

// ============================================================================
// Relationships
// ============================================================================

func (g *Generator) relationships(s *Schema, entities []models.Entity, relationships []models.Relationship) {
	usedNames := make(map[string]bool)
	usedLookups := make(map[string]bool) // referencing logical name + lookup schema name
	consumed := make(map[string]bool)    // entity.attribute already realised

	add := func(def RelationshipDefinition) {
		base := def.SchemaName
		for i := 2; usedNames[strings.ToLower(def.SchemaName)]; i++ {
			def.SchemaName = fmt.Sprintf("%s_%d", base, i)
		}
		usedNames[strings.ToLower(def.SchemaName)] = true

		lookupBase := def.LookupSchemaName
		for i := 2; usedLookups[def.ReferencingEntity+"."+strings.ToLower(def.LookupSchemaName)]; i++ {
			def.LookupSchemaName = fmt.Sprintf("%s%d", lookupBase, i)
		}
		usedLookups[def.ReferencingEntity+"."+strings.ToLower(def.LookupSchemaName)] = true
		s.Relationships = append(s.Relationships, def)
	}

	for _, rel := range relationships {
		if !rel.Cardinality.IsHierarchical() {
			s.Warnings = append(s.Warnings, fmt.Sprintf("Skipped %s relationship %s between %s and %s", rel.Cardinality, rel.Name, rel.FromEntity, rel.ToEntity))
			continue
		}
		from, okFrom := s.Entity(rel.FromEntity)
		to, okTo := models.EntityByName(entities, rel.ToEntity)
		toDef, _ := s.Entity(rel.ToEntity)
		if !okFrom || !okTo || toDef == nil {
			s.Warnings = append(s.Warnings, fmt.Sprintf("Skipped relationship %s: %s or %s is not defined", rel.Name, rel.FromEntity, rel.ToEntity))
			continue
		}

		lookupName, display := g.lookupFor(rel, to)
		if fk, ok := foreignKeyFor(rel.FromEntity, to); ok {
			consumed[to.Name+"."+fk.Name] = true
		}

		name := rel.FromEntity + "_" + rel.ToEntity
		if rel.Label != "" {
			name += "_" + erd.SnakeCase(rel.Label)
		}
		add(RelationshipDefinition{
			Name:              rel.Name,
			SchemaName:        g.schemaName(name),
			ReferencedEntity:  from.LogicalName,
			ReferencingEntity: toDef.LogicalName,
			LookupSchemaName:  lookupName,
			LookupDisplayName: display,
			Cardinality:       rel.Cardinality,
			Source:            SourceRelationship,
		})
	}

	for _, e := range entities {
		referencing, _ := s.Entity(e.Name)
		if referencing.IsCdm {
			continue
		}
		for _, a := range e.Attributes {
			if a.Type != models.AttributeTypeLookup || consumed[e.Name+"."+a.Name] {
				continue
			}
			target, ok := s.Entity(a.TargetEntity)
			if !ok {
				target, ok = entityFold(s, a.TargetEntity)
			}
			if !ok {
				s.Warnings = append(s.Warnings, fmt.Sprintf("Skipped lookup %s.%s: target %s is not defined", e.Name, a.Name, a.TargetEntity))
				continue
			}
			add(RelationshipDefinition{
				Name:              strings.ToLower(target.Name) + "_" + strings.ToLower(e.Name),
				SchemaName:        g.schemaName(target.Name + "_" + e.Name + "_" + a.Name),
				ReferencedEntity:  target.LogicalName,
				ReferencingEntity: referencing.LogicalName,
				LookupSchemaName:  g.schemaName(a.Name),
				LookupDisplayName: a.DisplayName,
				Cardinality:       models.CardinalityOneToMany,
				Source:            SourceLookup,
			})
		}
	}
}

// lookupFor names the lookup column on the referencing side, reusing the
// matching foreign-key attribute when there is one.
func (g *Generator) lookupFor(rel models.Relationship, to *models.Entity) (string, string) {
	if fk, ok := foreignKeyFor(rel.FromEntity, to); ok {
		display := fk.DisplayName
		if fk.Type != models.AttributeTypeLookup {
			display = erd.DisplayName(rel.FromEntity)
		}
		return g.schemaName(fk.Name), display
	}
	if rel.IsSelfReference() {
		return g.schemaName("parent_" + erd.SnakeCase(rel.FromEntity) + "id"), "Parent " + erd.DisplayName(rel.FromEntity)
	}
	return g.schemaName(erd.SnakeCase(rel.FromEntity) + "id"), erd.DisplayName(rel.FromEntity)
}

// foreignKeyFor finds the attribute of to that references from: a
// lookup(From) column or a key named {from}_id.
func foreignKeyFor(from string, to *models.Entity) (models.Attribute, bool) {
	expected := erd.NormalizeKey(erd.ForeignKeyName(from))
	for _, a := range to.Attributes {
		if a.Type == models.AttributeTypeLookup && strings.EqualFold(a.TargetEntity, from) {
			return a, true
		}
	}
	for _, a := range to.Attributes {
		if a.IsForeignKey && erd.NormalizeKey(a.Name) == expected {
			return a, true
		}
	}
	return models.Attribute{}, false
}

func entityFold(s *Schema, name string) (*EntityDefinition, bool) {
	for i := range s.Entities {
		if strings.EqualFold(s.Entities[i].Name, name) {
			return &s.Entities[i], true
		}
	}
	return nil, false
}
