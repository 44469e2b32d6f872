// Package memory provides the in-memory transactional store backing the
// revision and approval workflow. Durable backends (sqlite, postgres) reuse
// it for transaction semantics and snapshot committed state afterwards.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"labledger/pkg/domain"
)

type entityKey struct {
	Type domain.EntityType
	ID   int64
}

type memoryState struct {
	records   map[domain.EntityType]map[int64]domain.Record
	revisions map[entityKey][]domain.Revision // oldest first
	approvals map[int64]domain.ApprovalRequest
	elements  map[int64]domain.Element
	grants    map[int64]domain.PermissionGrant

	seqRevision int64
	seqApproval int64
	seqElement  int64
	seqGrant    int64
}

func newMemoryState() memoryState {
	return memoryState{
		records:   make(map[domain.EntityType]map[int64]domain.Record),
		revisions: make(map[entityKey][]domain.Revision),
		approvals: make(map[int64]domain.ApprovalRequest),
		elements:  make(map[int64]domain.Element),
		grants:    make(map[int64]domain.PermissionGrant),
	}
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for t, byID := range s.records {
		dst := make(map[int64]domain.Record, len(byID))
		for id, r := range byID {
			dst[id] = cloneRecord(r)
		}
		cloned.records[t] = dst
	}
	for k, chain := range s.revisions {
		dst := make([]domain.Revision, len(chain))
		for i, rev := range chain {
			dst[i] = cloneRevision(rev)
		}
		cloned.revisions[k] = dst
	}
	for id, a := range s.approvals {
		cloned.approvals[id] = cloneApproval(a)
	}
	for id, e := range s.elements {
		cloned.elements[id] = cloneElement(e)
	}
	for id, g := range s.grants {
		cloned.grants[id] = cloneGrant(g)
	}
	cloned.seqRevision = s.seqRevision
	cloned.seqApproval = s.seqApproval
	cloned.seqElement = s.seqElement
	cloned.seqGrant = s.seqGrant
	return cloned
}

func cloneRecord(r domain.Record) domain.Record {
	cp := r
	cp.Projects = append([]int64(nil), r.Projects...)
	if r.Fields != nil {
		cp.Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	cp.Snapshots = cloneSnapshots(r.Snapshots)
	if r.ChangeApproved != nil {
		v := *r.ChangeApproved
		cp.ChangeApproved = &v
	}
	if r.ApprovalDecisionAt != nil {
		v := *r.ApprovalDecisionAt
		cp.ApprovalDecisionAt = &v
	}
	if r.ApprovedByID != nil {
		v := *r.ApprovedByID
		cp.ApprovedByID = &v
	}
	return cp
}

func cloneSnapshots(snaps map[string][]int64) map[string][]int64 {
	if snaps == nil {
		return nil
	}
	out := make(map[string][]int64, len(snaps))
	for k, ids := range snaps {
		out[k] = append([]int64(nil), ids...)
	}
	return out
}

func cloneRevision(rev domain.Revision) domain.Revision {
	cp := rev
	if rev.ActorID != nil {
		v := *rev.ActorID
		cp.ActorID = &v
	}
	if rev.Fields != nil {
		cp.Fields = make(map[string]string, len(rev.Fields))
		for k, v := range rev.Fields {
			cp.Fields[k] = v
		}
	}
	cp.Snapshots = cloneSnapshots(rev.Snapshots)
	return cp
}

func cloneApproval(a domain.ApprovalRequest) domain.ApprovalRequest {
	cp := a
	if a.NotifiedAt != nil {
		v := *a.NotifiedAt
		cp.NotifiedAt = &v
	}
	return cp
}

func cloneElement(e domain.Element) domain.Element {
	cp := e
	cp.Aliases = append([]string(nil), e.Aliases...)
	return cp
}

func cloneGrant(g domain.PermissionGrant) domain.PermissionGrant {
	cp := g
	if g.ExpiresAt != nil {
		v := *g.ExpiresAt
		cp.ExpiresAt = &v
	}
	return cp
}

// Store is an in-memory transactional store for records, their revision
// chains, approval slots, elements, and permission grants.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// Compile-time contract assertion.
var _ domain.PersistentStore = (*Store)(nil)

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the transaction clock. Tests use this to make
// timestamps deterministic.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// Transaction is a mutation set applied to a cloned state and committed on
// success.
type Transaction struct {
	state *memoryState
	now   time.Time
}

var _ domain.Transaction = (*Transaction)(nil)

// RunInTransaction executes fn within a transactional copy of the store
// state. The clone is committed only when fn returns nil, so the approval
// single-slot check and every read-then-write sequence are atomic here.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state.clone()
	tx := &Transaction{state: &state, now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = state
	return nil
}

// View executes fn against a read-only snapshot of committed state.
func (s *Store) View(ctx context.Context, fn func(domain.TransactionView) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	return fn(&Transaction{state: &snapshot, now: s.nowFn()})
}

func (tx *Transaction) chainKey(t domain.EntityType, id int64) entityKey {
	return entityKey{Type: t, ID: id}
}

func (tx *Transaction) appendRevision(rec domain.Record, actorID *int64, reason string) domain.Revision {
	key := tx.chainKey(rec.Type, rec.ID)
	kind := domain.RevisionChanged
	if len(tx.state.revisions[key]) == 0 {
		kind = domain.RevisionCreated
	}
	tx.state.seqRevision++
	rev := domain.Revision{
		ID:         tx.state.seqRevision,
		EntityType: rec.Type,
		EntityID:   rec.ID,
		Kind:       kind,
		At:         tx.now,
		Reason:     reason,
		Fields:     rec.SnapshotFields(),
		Snapshots:  cloneSnapshots(rec.Snapshots),
	}
	if actorID != nil {
		v := *actorID
		rev.ActorID = &v
	}
	tx.state.revisions[key] = append(tx.state.revisions[key], rev)
	return cloneRevision(rev)
}

// CreateRecord stores a new record and appends its first revision. IDs are
// allocated per kind as max+1.
func (tx *Transaction) CreateRecord(rec domain.Record, actorID *int64) (domain.Record, error) {
	if rec.Type == "" {
		return domain.Record{}, fmt.Errorf("record requires an entity type")
	}
	byID := tx.state.records[rec.Type]
	if byID == nil {
		byID = make(map[int64]domain.Record)
		tx.state.records[rec.Type] = byID
	}
	if rec.ID == 0 {
		var max int64
		for id := range byID {
			if id > max {
				max = id
			}
		}
		rec.ID = max + 1
	} else if _, exists := byID[rec.ID]; exists {
		return domain.Record{}, fmt.Errorf("%s %d already exists", rec.Type, rec.ID)
	}
	rec.CreatedAt = tx.now
	rec.LastModifiedAt = tx.now
	if rec.Fields == nil {
		rec.Fields = map[string]string{}
	}
	byID[rec.ID] = cloneRecord(rec)
	tx.appendRevision(rec, actorID, "")
	return cloneRecord(rec), nil
}

// UpdateRecord mutates an existing record through the provided mutator. The
// save mode decides whether a revision is appended; silent saves still bump
// last_modified_at, matching the auto-now semantics the dedup job cleans up
// after.
func (tx *Transaction) UpdateRecord(t domain.EntityType, id int64, mode domain.SaveMode, actorID *int64, reason string, mutator func(*domain.Record) error) (domain.Record, error) {
	current, ok := tx.state.records[t][id]
	if !ok {
		return domain.Record{}, domain.ErrNotFound{Entity: t, ID: id}
	}
	updated := cloneRecord(current)
	if err := mutator(&updated); err != nil {
		return domain.Record{}, err
	}
	updated.ID = id
	updated.Type = t
	updated.CreatedAt = current.CreatedAt
	updated.LastModifiedAt = tx.now
	tx.state.records[t][id] = cloneRecord(updated)
	if mode == domain.SaveWithRevision {
		tx.appendRevision(updated, actorID, reason)
	}
	return cloneRecord(updated), nil
}

// SetLastModified overwrites last_modified_at in place. No revision, no other
// field: this is how the gate restores a pre-save timestamp after an
// auto-approval side-save.
func (tx *Transaction) SetLastModified(t domain.EntityType, id int64, ts time.Time) error {
	current, ok := tx.state.records[t][id]
	if !ok {
		return domain.ErrNotFound{Entity: t, ID: id}
	}
	current.LastModifiedAt = ts
	tx.state.records[t][id] = current
	return nil
}

// DeleteRecord appends a final Deleted revision, removes the record, and
// closes its approval slot.
func (tx *Transaction) DeleteRecord(t domain.EntityType, id int64, actorID *int64) error {
	current, ok := tx.state.records[t][id]
	if !ok {
		return domain.ErrNotFound{Entity: t, ID: id}
	}
	key := tx.chainKey(t, id)
	tx.state.seqRevision++
	rev := domain.Revision{
		ID:         tx.state.seqRevision,
		EntityType: t,
		EntityID:   id,
		Kind:       domain.RevisionDeleted,
		At:         tx.now,
		Fields:     current.SnapshotFields(),
		Snapshots:  cloneSnapshots(current.Snapshots),
	}
	if actorID != nil {
		v := *actorID
		rev.ActorID = &v
	}
	tx.state.revisions[key] = append(tx.state.revisions[key], rev)
	delete(tx.state.records[t], id)
	tx.CloseApprovals(t, id)
	return nil
}

// FindRecord retrieves a record by kind and ID.
func (tx *Transaction) FindRecord(t domain.EntityType, id int64) (domain.Record, bool) {
	r, ok := tx.state.records[t][id]
	if !ok {
		return domain.Record{}, false
	}
	return cloneRecord(r), true
}

// ListRecords returns all records of one kind ordered by ascending ID.
func (tx *Transaction) ListRecords(t domain.EntityType) []domain.Record {
	byID := tx.state.records[t]
	out := make([]domain.Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, cloneRecord(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordsModifiedSince returns records of every kind whose last_modified_at
// is at or after the cutoff, ordered by kind then ID.
func (tx *Transaction) RecordsModifiedSince(cutoff time.Time) []domain.Record {
	var out []domain.Record
	for _, byID := range tx.state.records {
		for _, r := range byID {
			if !r.LastModifiedAt.Before(cutoff) {
				out = append(out, cloneRecord(r))
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListRevisions returns the entity's revision chain, newest first.
func (tx *Transaction) ListRevisions(t domain.EntityType, id int64) []domain.Revision {
	chain := tx.state.revisions[tx.chainKey(t, id)]
	out := make([]domain.Revision, 0, len(chain))
	for i := len(chain) - 1; i >= 0; i-- {
		out = append(out, cloneRevision(chain[i]))
	}
	return out
}

// LatestRevision returns the chain head.
func (tx *Transaction) LatestRevision(t domain.EntityType, id int64) (domain.Revision, bool) {
	chain := tx.state.revisions[tx.chainKey(t, id)]
	if len(chain) == 0 {
		return domain.Revision{}, false
	}
	return cloneRevision(chain[len(chain)-1]), true
}

func (tx *Transaction) locateRevision(revisionID int64) (entityKey, int, bool) {
	for key, chain := range tx.state.revisions {
		for i, rev := range chain {
			if rev.ID == revisionID {
				return key, i, true
			}
		}
	}
	return entityKey{}, 0, false
}

// DeleteRevision removes one revision, guarding chain integrity: only the
// head, or the oldest entry of a two-entry chain, may go. The latter is the
// creation-reconciliation case, where the provisional first revision is
// replaced by the corrected one.
func (tx *Transaction) DeleteRevision(revisionID int64) error {
	key, idx, ok := tx.locateRevision(revisionID)
	if !ok {
		return fmt.Errorf("revision %d not found", revisionID)
	}
	chain := tx.state.revisions[key]
	head := idx == len(chain)-1
	reconcilable := idx == 0 && len(chain) == 2
	if !head && !reconcilable {
		return domain.ErrNotChainHead
	}
	tx.state.revisions[key] = append(chain[:idx:idx], chain[idx+1:]...)
	return nil
}

// Reclassify corrects the kind of the chain-head revision.
func (tx *Transaction) Reclassify(revisionID int64, kind domain.RevisionKind) error {
	key, idx, ok := tx.locateRevision(revisionID)
	if !ok {
		return fmt.Errorf("revision %d not found", revisionID)
	}
	chain := tx.state.revisions[key]
	if idx != len(chain)-1 {
		return domain.ErrNotChainHead
	}
	chain[idx].Kind = kind
	return nil
}

// SetRevisionSnapshots copies relationship snapshots onto a revision in
// place. Revisions are otherwise immutable; this is the deliberate post-hoc
// write of the projector.
func (tx *Transaction) SetRevisionSnapshots(revisionID int64, snaps map[string][]int64) error {
	key, idx, ok := tx.locateRevision(revisionID)
	if !ok {
		return fmt.Errorf("revision %d not found", revisionID)
	}
	tx.state.revisions[key][idx].Snapshots = cloneSnapshots(snaps)
	return nil
}

// OpenApproval opens the single approval slot of an entity. A second open
// slot is an invariant violation, reported as ErrApprovalSlotTaken.
func (tx *Transaction) OpenApproval(req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	if _, open := tx.OpenApprovalFor(req.EntityType, req.EntityID); open {
		return domain.ApprovalRequest{}, domain.ErrApprovalSlotTaken
	}
	tx.state.seqApproval++
	req.ID = tx.state.seqApproval
	req.OpenedAt = tx.now
	tx.state.approvals[req.ID] = cloneApproval(req)
	return cloneApproval(req), nil
}

// OpenApprovalFor returns the entity's open slot, if any.
func (tx *Transaction) OpenApprovalFor(t domain.EntityType, id int64) (domain.ApprovalRequest, bool) {
	for _, a := range tx.state.approvals {
		if a.EntityType == t && a.EntityID == id {
			return cloneApproval(a), true
		}
	}
	return domain.ApprovalRequest{}, false
}

// UpdateApproval mutates an open approval request.
func (tx *Transaction) UpdateApproval(id int64, mutator func(*domain.ApprovalRequest) error) (domain.ApprovalRequest, error) {
	current, ok := tx.state.approvals[id]
	if !ok {
		return domain.ApprovalRequest{}, fmt.Errorf("approval request %d not found", id)
	}
	updated := cloneApproval(current)
	if err := mutator(&updated); err != nil {
		return domain.ApprovalRequest{}, err
	}
	updated.ID = id
	tx.state.approvals[id] = cloneApproval(updated)
	return cloneApproval(updated), nil
}

// CloseApprovals deletes any open slot for the entity.
func (tx *Transaction) CloseApprovals(t domain.EntityType, id int64) int {
	removed := 0
	for aid, a := range tx.state.approvals {
		if a.EntityType == t && a.EntityID == id {
			delete(tx.state.approvals, aid)
			removed++
		}
	}
	return removed
}

// DeleteApproval removes one approval request by ID.
func (tx *Transaction) DeleteApproval(id int64) error {
	if _, ok := tx.state.approvals[id]; !ok {
		return fmt.Errorf("approval request %d not found", id)
	}
	delete(tx.state.approvals, id)
	return nil
}

// ListOpenApprovals returns every open approval request, oldest first.
func (tx *Transaction) ListOpenApprovals() []domain.ApprovalRequest {
	out := make([]domain.ApprovalRequest, 0, len(tx.state.approvals))
	for _, a := range tx.state.approvals {
		out = append(out, cloneApproval(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateElement stores a curated feature element.
func (tx *Transaction) CreateElement(el domain.Element) (domain.Element, error) {
	if el.ID == 0 {
		tx.state.seqElement++
		el.ID = tx.state.seqElement
	} else if _, exists := tx.state.elements[el.ID]; exists {
		return domain.Element{}, fmt.Errorf("element %d already exists", el.ID)
	} else if el.ID > tx.state.seqElement {
		tx.state.seqElement = el.ID
	}
	tx.state.elements[el.ID] = cloneElement(el)
	return cloneElement(el), nil
}

// ListElements returns all elements ordered by ID.
func (tx *Transaction) ListElements() []domain.Element {
	out := make([]domain.Element, 0, len(tx.state.elements))
	for _, e := range tx.state.elements {
		out = append(out, cloneElement(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CreateGrant stores a permission grant.
func (tx *Transaction) CreateGrant(g domain.PermissionGrant) (domain.PermissionGrant, error) {
	tx.state.seqGrant++
	g.ID = tx.state.seqGrant
	g.GrantedAt = tx.now
	tx.state.grants[g.ID] = cloneGrant(g)
	return cloneGrant(g), nil
}

// DeleteGrant removes a grant by ID. Absent grants report false; revocation
// is idempotent.
func (tx *Transaction) DeleteGrant(id int64) bool {
	if _, ok := tx.state.grants[id]; !ok {
		return false
	}
	delete(tx.state.grants, id)
	return true
}

// DeleteGrantFor removes the grant for one user on one record.
func (tx *Transaction) DeleteGrantFor(t domain.EntityType, id int64, userID int64) bool {
	for gid, g := range tx.state.grants {
		if g.EntityType == t && g.EntityID == id && g.UserID == userID {
			delete(tx.state.grants, gid)
			return true
		}
	}
	return false
}

// GrantFor returns the grant for one user on one record, if any.
func (tx *Transaction) GrantFor(t domain.EntityType, id int64, userID int64) (domain.PermissionGrant, bool) {
	for _, g := range tx.state.grants {
		if g.EntityType == t && g.EntityID == id && g.UserID == userID {
			return cloneGrant(g), true
		}
	}
	return domain.PermissionGrant{}, false
}
