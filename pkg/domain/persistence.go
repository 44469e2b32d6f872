package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a referenced row does not exist.
type ErrNotFound struct {
	Entity EntityType
	ID     int64
}

func (e ErrNotFound) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Invariant violations. These indicate programming errors in call sites, not
// user mistakes; the service never surfaces them as user-facing messages.
var (
	// ErrApprovalSlotTaken is returned when a second approval request would
	// be opened for an entity that already has one.
	ErrApprovalSlotTaken = errors.New("approval slot already open for entity")
	// ErrNotChainHead is returned when a revision deletion or
	// reclassification would break chain integrity.
	ErrNotChainHead = errors.New("revision is not at the head of its chain")
)

// Transaction exposes the mutation operations a persistence implementation
// must support within one atomic scope. The approval single-slot check and
// every read-then-write sequence of the workflow run inside this scope.
type Transaction interface {
	// CreateRecord assigns the next per-kind ID, stamps timestamps, stores
	// the record, and appends its Created revision.
	CreateRecord(rec Record, actorID *int64) (Record, error)
	// UpdateRecord mutates an existing record. SaveWithRevision appends a
	// revision (Changed, or Created for an empty chain); SaveSilent bumps
	// last_modified_at only.
	UpdateRecord(t EntityType, id int64, mode SaveMode, actorID *int64, reason string, mutator func(*Record) error) (Record, error)
	// SetLastModified overwrites last_modified_at without any other effect,
	// restoring a pre-save timestamp after a bookkeeping silent save.
	SetLastModified(t EntityType, id int64, ts time.Time) error
	// DeleteRecord appends a Deleted revision, removes the record, and
	// closes any open approval slot.
	DeleteRecord(t EntityType, id int64, actorID *int64) error
	FindRecord(t EntityType, id int64) (Record, bool)
	// RecordsModifiedSince lists records of every kind whose
	// last_modified_at is at or after the cutoff. The dedup job scans and
	// prunes inside one transaction, so the read lives here as well as on
	// the view.
	RecordsModifiedSince(cutoff time.Time) []Record

	ListRevisions(t EntityType, id int64) []Revision
	LatestRevision(t EntityType, id int64) (Revision, bool)
	// DeleteRevision removes one revision. Permitted only for the chain
	// head, or for the oldest entry of a two-entry chain (creation
	// reconciliation); anything else returns ErrNotChainHead.
	DeleteRevision(revisionID int64) error
	// Reclassify corrects the kind of a chain-head revision. Used once per
	// multi-phase creation to flip the surviving Changed revision to Created.
	Reclassify(revisionID int64, kind RevisionKind) error
	// SetRevisionSnapshots copies relationship snapshots onto a revision.
	// The one payload deliberately written post-hoc.
	SetRevisionSnapshots(revisionID int64, snaps map[string][]int64) error

	// OpenApproval opens the entity's approval slot. Returns
	// ErrApprovalSlotTaken if one is already open.
	OpenApproval(req ApprovalRequest) (ApprovalRequest, error)
	OpenApprovalFor(t EntityType, id int64) (ApprovalRequest, bool)
	UpdateApproval(id int64, mutator func(*ApprovalRequest) error) (ApprovalRequest, error)
	// CloseApprovals deletes any open slot for the entity and reports how
	// many were removed.
	CloseApprovals(t EntityType, id int64) int
	DeleteApproval(id int64) error

	CreateElement(el Element) (Element, error)
	CreateGrant(g PermissionGrant) (PermissionGrant, error)
	GrantFor(t EntityType, id int64, userID int64) (PermissionGrant, bool)
	// DeleteGrant removes a grant; deleting an absent grant is a no-op so
	// scheduled re-revocation stays idempotent.
	DeleteGrant(id int64) bool
	DeleteGrantFor(t EntityType, id int64, userID int64) bool
}

// TransactionView provides read-only access to committed or in-flight state.
type TransactionView interface {
	FindRecord(t EntityType, id int64) (Record, bool)
	ListRecords(t EntityType) []Record
	// RecordsModifiedSince lists records of every kind whose
	// last_modified_at is at or after the cutoff. The dedup job's scan set.
	RecordsModifiedSince(cutoff time.Time) []Record
	ListRevisions(t EntityType, id int64) []Revision
	LatestRevision(t EntityType, id int64) (Revision, bool)
	OpenApprovalFor(t EntityType, id int64) (ApprovalRequest, bool)
	ListOpenApprovals() []ApprovalRequest
	ListElements() []Element
	GrantFor(t EntityType, id int64, userID int64) (PermissionGrant, bool)
}

// PersistentStore is the minimal abstraction over durable backends used by
// the workflow service.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) error
	View(ctx context.Context, fn func(TransactionView) error) error
}
