package memory

import (
	"sort"

	"labledger/pkg/domain"
)

// Sequences carries the ID allocators across snapshots.
type Sequences struct {
	Revision int64 `json:"revision"`
	Approval int64 `json:"approval"`
	Element  int64 `json:"element"`
	Grant    int64 `json:"grant"`
}

// Snapshot is the serializable form of the committed state, used by the
// sqlite and postgres stores to persist after each transaction.
type Snapshot struct {
	Records   []domain.Record          `json:"records"`
	Revisions []domain.Revision        `json:"revisions"`
	Approvals []domain.ApprovalRequest `json:"approvals"`
	Elements  []domain.Element         `json:"elements"`
	Grants    []domain.PermissionGrant `json:"grants"`
	Sequences Sequences                `json:"sequences"`
}

// ExportState captures the committed state as a Snapshot.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for _, byID := range s.state.records {
		for _, r := range byID {
			snap.Records = append(snap.Records, cloneRecord(r))
		}
	}
	sort.Slice(snap.Records, func(i, j int) bool {
		if snap.Records[i].Type != snap.Records[j].Type {
			return snap.Records[i].Type < snap.Records[j].Type
		}
		return snap.Records[i].ID < snap.Records[j].ID
	})
	for _, chain := range s.state.revisions {
		for _, rev := range chain {
			snap.Revisions = append(snap.Revisions, cloneRevision(rev))
		}
	}
	sort.Slice(snap.Revisions, func(i, j int) bool { return snap.Revisions[i].ID < snap.Revisions[j].ID })
	for _, a := range s.state.approvals {
		snap.Approvals = append(snap.Approvals, cloneApproval(a))
	}
	sort.Slice(snap.Approvals, func(i, j int) bool { return snap.Approvals[i].ID < snap.Approvals[j].ID })
	for _, e := range s.state.elements {
		snap.Elements = append(snap.Elements, cloneElement(e))
	}
	sort.Slice(snap.Elements, func(i, j int) bool { return snap.Elements[i].ID < snap.Elements[j].ID })
	for _, g := range s.state.grants {
		snap.Grants = append(snap.Grants, cloneGrant(g))
	}
	sort.Slice(snap.Grants, func(i, j int) bool { return snap.Grants[i].ID < snap.Grants[j].ID })
	snap.Sequences = Sequences{
		Revision: s.state.seqRevision,
		Approval: s.state.seqApproval,
		Element:  s.state.seqElement,
		Grant:    s.state.seqGrant,
	}
	return snap
}

// ImportState replaces the committed state with the snapshot contents.
// Revision chains are rebuilt in ID order, preserving insertion order.
func (s *Store) ImportState(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := newMemoryState()
	for _, r := range snap.Records {
		byID := state.records[r.Type]
		if byID == nil {
			byID = make(map[int64]domain.Record)
			state.records[r.Type] = byID
		}
		byID[r.ID] = cloneRecord(r)
	}
	revs := append([]domain.Revision(nil), snap.Revisions...)
	sort.Slice(revs, func(i, j int) bool { return revs[i].ID < revs[j].ID })
	for _, rev := range revs {
		key := entityKey{Type: rev.EntityType, ID: rev.EntityID}
		state.revisions[key] = append(state.revisions[key], cloneRevision(rev))
		if rev.ID > state.seqRevision {
			state.seqRevision = rev.ID
		}
	}
	for _, a := range snap.Approvals {
		state.approvals[a.ID] = cloneApproval(a)
		if a.ID > state.seqApproval {
			state.seqApproval = a.ID
		}
	}
	for _, e := range snap.Elements {
		state.elements[e.ID] = cloneElement(e)
		if e.ID > state.seqElement {
			state.seqElement = e.ID
		}
	}
	for _, g := range snap.Grants {
		state.grants[g.ID] = cloneGrant(g)
		if g.ID > state.seqGrant {
			state.seqGrant = g.ID
		}
	}
	if snap.Sequences.Revision > state.seqRevision {
		state.seqRevision = snap.Sequences.Revision
	}
	if snap.Sequences.Approval > state.seqApproval {
		state.seqApproval = snap.Sequences.Approval
	}
	if snap.Sequences.Element > state.seqElement {
		state.seqElement = snap.Sequences.Element
	}
	if snap.Sequences.Grant > state.seqGrant {
		state.seqGrant = snap.Sequences.Grant
	}
	s.state = state
}
