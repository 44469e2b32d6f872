// Package domain defines the tracked records, revisions, approval slots, and
// persistence contracts of the labledger revision & approval workflow engine.
package domain

import (
	"sort"
	"strconv"
	"time"
)

// EntityType identifies the kind of tracked record.
type EntityType string

// Supported record kinds. Each kind shares the same revision and approval
// machinery; the per-kind relationship sets are declared in SchemaRegistry.
const (
	// EntityPlasmid identifies a plasmid record.
	EntityPlasmid EntityType = "plasmid"
	// EntityStrain identifies a stocked strain record.
	EntityStrain EntityType = "strain"
	// EntityOligo identifies an oligonucleotide record.
	EntityOligo EntityType = "oligo"
	// EntityAntibody identifies an antibody record.
	EntityAntibody EntityType = "antibody"
	// EntityCellLine identifies a cell line record.
	EntityCellLine EntityType = "cell_line"
	// EntityInhibitor identifies an inhibitor record.
	EntityInhibitor EntityType = "inhibitor"
	// EntityOrder identifies a consumable order record.
	EntityOrder EntityType = "order"
	// EntityProject identifies a governing project referenced by snapshots.
	EntityProject EntityType = "project"
	// EntityElement identifies a curated sequence feature element.
	EntityElement EntityType = "element"
	// EntityGenTechMethod identifies a genetic-method reference record.
	EntityGenTechMethod EntityType = "gentech_method"
	// EntityDocument identifies an attached document reference.
	EntityDocument EntityType = "document"
)

// Actor is the user performing a mutation or an approval decision.
type Actor struct {
	ID                    int64   `json:"id"`
	Email                 string  `json:"email,omitempty"`
	PrincipalInvestigator bool    `json:"principal_investigator"`
	ProjectLeadIDs        []int64 `json:"project_lead_ids,omitempty"`
}

// HoldsAuthorityOver reports whether the actor's mutations of the record
// auto-approve: the actor must be a principal investigator and lead one of
// the record's governing projects.
func (a Actor) HoldsAuthorityOver(r Record) bool {
	if !a.PrincipalInvestigator {
		return false
	}
	for _, lead := range a.ProjectLeadIDs {
		for _, p := range r.Projects {
			if lead == p {
				return true
			}
		}
	}
	return false
}

// Record is a tracked entity: one row of a scientific collection whose every
// mutation is gated by approval and mirrored into the revision ledger.
type Record struct {
	ID       int64      `json:"id"`
	Type     EntityType `json:"type"`
	Name     string     `json:"name"`
	OwnerID  int64      `json:"owner_id"`
	Projects []int64    `json:"projects,omitempty"`

	// Fields holds the kind-specific scalar payload (sequence, genotype,
	// catalog number, ...). Keys are stable column names.
	Fields map[string]string `json:"fields,omitempty"`

	// Snapshots holds the denormalized relationship snapshots, one ordered
	// ID list per relationship the record's schema declares.
	Snapshots map[string][]int64 `json:"snapshots,omitempty"`

	// Map file keys in the blob store. MapKey is the canonical .dna file,
	// MapGenBankKey the .gbk export, MapPreviewKey the rendered .png.
	MapKey        string `json:"map_key,omitempty"`
	MapGenBankKey string `json:"map_genbank_key,omitempty"`
	MapPreviewKey string `json:"map_preview_key,omitempty"`

	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`

	// Approval bookkeeping. CreationApproved is latched once; ChangeApproved
	// is nil until the record is edited for the first time.
	CreationApproved   bool       `json:"creation_approved"`
	ChangeApproved     *bool      `json:"change_approved,omitempty"`
	ApprovalDecisionAt *time.Time `json:"approval_decision_at,omitempty"`
	ApprovedByID       *int64     `json:"approved_by_id,omitempty"`
}

// Builtin snapshot field names shared by every record kind.
const (
	FieldName               = "name"
	FieldOwnerID            = "owner_id"
	FieldMapKey             = "map_key"
	FieldMapGenBank         = "map_genbank_key"
	FieldMapPreview         = "map_preview_key"
	FieldCreatedAt          = "created_at"
	FieldLastModified       = "last_modified_at"
	FieldCreationApproved   = "creation_approved"
	FieldChangeApproved     = "change_approved"
	FieldApprovalDecisionAt = "approval_decision_at"
	FieldApprovedByID       = "approved_by_id"
)

// SnapshotFields flattens the record's scalar state into the field map stored
// on a revision, approval bookkeeping included: an edit whose only effect is
// an approval decision still differs from its predecessor, so the dedup job
// keeps it. Relationship snapshots are kept separately (Revision.Snapshots).
func (r Record) SnapshotFields() map[string]string {
	out := make(map[string]string, len(r.Fields)+11)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[FieldName] = r.Name
	out[FieldOwnerID] = formatID(r.OwnerID)
	out[FieldMapKey] = r.MapKey
	out[FieldMapGenBank] = r.MapGenBankKey
	out[FieldMapPreview] = r.MapPreviewKey
	out[FieldCreatedAt] = r.CreatedAt.UTC().Format(time.RFC3339Nano)
	out[FieldLastModified] = r.LastModifiedAt.UTC().Format(time.RFC3339Nano)
	out[FieldCreationApproved] = strconv.FormatBool(r.CreationApproved)
	out[FieldChangeApproved] = ""
	if r.ChangeApproved != nil {
		out[FieldChangeApproved] = strconv.FormatBool(*r.ChangeApproved)
	}
	out[FieldApprovalDecisionAt] = ""
	if r.ApprovalDecisionAt != nil {
		out[FieldApprovalDecisionAt] = r.ApprovalDecisionAt.UTC().Format(time.RFC3339Nano)
	}
	out[FieldApprovedByID] = ""
	if r.ApprovedByID != nil {
		out[FieldApprovedByID] = formatID(*r.ApprovedByID)
	}
	return out
}

// Element is a curated sequence feature that map features are matched
// against. Matching is case-sensitive on aliases.
type Element struct {
	ID      int64    `json:"id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// PermissionGrant allows a non-owner to change one record. Grants expire
// after 24 hours unless issued as permanent; revocation is idempotent.
type PermissionGrant struct {
	ID         int64      `json:"id"`
	EntityType EntityType `json:"entity_type"`
	EntityID   int64      `json:"entity_id"`
	UserID     int64      `json:"user_id"`
	GrantedAt  time.Time  `json:"granted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// NormalizeIDs returns the ascending, duplicate-free form of ids. Relationship
// snapshots are always stored normalized so projection is comparable.
func NormalizeIDs(ids []int64) []int64 {
	if len(ids) == 0 {
		return []int64{}
	}
	out := append([]int64(nil), ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	dedup := out[:1]
	for _, id := range out[1:] {
		if id != dedup[len(dedup)-1] {
			dedup = append(dedup, id)
		}
	}
	return dedup
}

// EqualIDs reports whether two normalized ID lists are identical.
func EqualIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
