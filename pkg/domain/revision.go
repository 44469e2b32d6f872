package domain

import "time"

// RevisionKind classifies a revision within an entity's chain.
type RevisionKind string

// Revision kinds. A chain starts with Created, continues with Changed, and
// may terminate with Deleted.
const (
	RevisionCreated RevisionKind = "created"
	RevisionChanged RevisionKind = "changed"
	RevisionDeleted RevisionKind = "deleted"
)

// Revision is one immutable historical state of a record. Revisions are
// append-only; the only sanctioned mutations are the creation-chain
// reclassification, the post-hoc relationship snapshot copy, and head
// deletion (reconciler and dedup job).
type Revision struct {
	ID         int64        `json:"id"`
	EntityType EntityType   `json:"entity_type"`
	EntityID   int64        `json:"entity_id"`
	Kind       RevisionKind `json:"kind"`
	At         time.Time    `json:"at"`
	ActorID    *int64       `json:"actor_id,omitempty"`
	Reason     string       `json:"reason,omitempty"`

	// Fields is the full scalar snapshot of the record at this instant,
	// including the builtin columns (name, owner_id, last_modified_at, ...).
	Fields map[string]string `json:"fields"`

	// Snapshots mirrors the record's relationship snapshots. Relationships
	// are not natively versioned, so these are copied onto the latest
	// revision after projection.
	Snapshots map[string][]int64 `json:"snapshots,omitempty"`
}

// FieldChange is one entry of a revision delta.
type FieldChange struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// DiffRevisions produces the field-level delta between two revisions of the
// same entity, keyed by field name. Fields listed in ignore are skipped; pass
// nil to diff everything, which is what the dedup job does before testing for
// a last_modified_at-only delta.
func DiffRevisions(newer, older Revision, ignore []string) map[string]FieldChange {
	skip := make(map[string]struct{}, len(ignore))
	for _, f := range ignore {
		skip[f] = struct{}{}
	}
	out := make(map[string]FieldChange)
	for k, nv := range newer.Fields {
		if _, ok := skip[k]; ok {
			continue
		}
		if ov, ok := older.Fields[k]; !ok || ov != nv {
			old := ""
			if ok {
				old = older.Fields[k]
			}
			out[k] = FieldChange{Old: old, New: nv}
		}
	}
	for k, ov := range older.Fields {
		if _, ok := skip[k]; ok {
			continue
		}
		if _, ok := newer.Fields[k]; !ok {
			out[k] = FieldChange{Old: ov, New: ""}
		}
	}
	return out
}

// HousekeepingOnly reports whether the delta touches last_modified_at and
// nothing else. Revisions with such deltas are audit-trail noise produced by
// silent-save timestamp bumps and are pruned by the dedup job.
func HousekeepingOnly(delta map[string]FieldChange) bool {
	if len(delta) != 1 {
		return false
	}
	_, ok := delta[FieldLastModified]
	return ok
}
