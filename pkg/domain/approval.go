package domain

import "time"

// ActivityKind records which kind of mutation an approval request covers.
type ActivityKind string

// Approval activities, matching the two gate entry points.
const (
	ActivityCreated ActivityKind = "created"
	ActivityChanged ActivityKind = "changed"
)

// ApprovalRequest is the single pending-approval slot of one record. At most
// one open request may exist per (entity_type, entity_id); the store enforces
// this inside its transaction scope.
type ApprovalRequest struct {
	ID            int64        `json:"id"`
	EntityType    EntityType   `json:"entity_type"`
	EntityID      int64        `json:"entity_id"`
	Activity      ActivityKind `json:"activity"`
	RequestedByID int64        `json:"requested_by_id"`
	Message       string       `json:"message,omitempty"`
	NotifiedAt    *time.Time   `json:"notified_at,omitempty"`
	Edited        bool         `json:"edited"`
	OpenedAt      time.Time    `json:"opened_at"`
}

// SaveMode selects whether a record save appends a revision.
type SaveMode int

const (
	// SaveWithRevision persists the record and appends a revision to its
	// chain: Created when the chain is empty, Changed otherwise.
	SaveWithRevision SaveMode = iota
	// SaveSilent persists the record without touching the revision chain.
	// Used for approval bookkeeping and derived-field reconciliation, which
	// are not user-visible changes.
	SaveSilent
)

func (m SaveMode) String() string {
	if m == SaveSilent {
		return "silent"
	}
	return "with_revision"
}
