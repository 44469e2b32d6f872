package domain

import "fmt"

// Schema declares, per record kind, the many-valued relationships that are
// snapshotted onto the record and its revisions, plus the fields a
// human-facing diff ignores. The projector consumes this generically instead
// of per-kind code.
type Schema struct {
	Type EntityType
	// Relationships maps relationship name to the related entity type.
	Relationships map[string]EntityType
	// IgnoreFields are skipped by human-facing diffs: housekeeping
	// timestamps, approval bookkeeping, and derived preview fields. The
	// dedup job diffs without this filter.
	IgnoreFields []string
}

// SchemaRegistry holds the declared schemas of all record kinds.
type SchemaRegistry struct {
	schemas map[EntityType]Schema
}

// NewSchemaRegistry returns an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[EntityType]Schema)}
}

// Register adds or replaces the schema for one record kind.
func (r *SchemaRegistry) Register(s Schema) error {
	if s.Type == "" {
		return fmt.Errorf("schema requires an entity type")
	}
	r.schemas[s.Type] = s
	return nil
}

// Lookup returns the schema for the given kind.
func (r *SchemaRegistry) Lookup(t EntityType) (Schema, bool) {
	s, ok := r.schemas[t]
	return s, ok
}

// Relationship returns the related entity type for a declared relationship.
func (r *SchemaRegistry) Relationship(t EntityType, name string) (EntityType, bool) {
	s, ok := r.schemas[t]
	if !ok {
		return "", false
	}
	related, ok := s.Relationships[name]
	return related, ok
}

// approvalIgnoreFields are excluded from every kind's human-facing diff.
var approvalIgnoreFields = []string{
	FieldCreatedAt,
	FieldLastModified,
	FieldMapPreview,
	FieldCreationApproved,
	FieldChangeApproved,
	FieldApprovalDecisionAt,
	FieldApprovedByID,
}

// DefaultIgnoreFields returns the shared housekeeping ignore set.
func DefaultIgnoreFields() []string {
	return append([]string(nil), approvalIgnoreFields...)
}

// DefaultSchemaRegistry declares the stock collection kinds. Relationship
// names are the snapshot field keys stored on records and revisions.
func DefaultSchemaRegistry() *SchemaRegistry {
	reg := NewSchemaRegistry()
	ignore := DefaultIgnoreFields()
	for _, s := range []Schema{
		{
			Type: EntityPlasmid,
			Relationships: map[string]EntityType{
				"projects":        EntityProject,
				"elements":        EntityElement,
				"gentech_methods": EntityGenTechMethod,
				"ecoli_strains":   EntityStrain,
			},
		},
		{
			Type: EntityStrain,
			Relationships: map[string]EntityType{
				"projects":            EntityProject,
				"elements":            EntityElement,
				"integrated_plasmids": EntityPlasmid,
				"cassette_plasmids":   EntityPlasmid,
				"episomal_plasmids":   EntityPlasmid,
				"documents":           EntityDocument,
			},
		},
		{
			Type: EntityCellLine,
			Relationships: map[string]EntityType{
				"projects":          EntityProject,
				"elements":          EntityElement,
				"episomal_plasmids": EntityPlasmid,
				"documents":         EntityDocument,
			},
		},
		{
			Type: EntityOligo,
			Relationships: map[string]EntityType{
				"projects": EntityProject,
			},
		},
		{
			Type: EntityAntibody,
			Relationships: map[string]EntityType{
				"documents": EntityDocument,
			},
		},
		{
			Type:          EntityInhibitor,
			Relationships: map[string]EntityType{},
		},
		{
			Type:          EntityOrder,
			Relationships: map[string]EntityType{},
		},
	} {
		s.IgnoreFields = ignore
		if err := reg.Register(s); err != nil {
			panic(err)
		}
	}
	return reg
}
