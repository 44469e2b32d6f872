package core

import (
	"context"

	"labledger/pkg/domain"
)

// GetRecord fetches one record from committed state.
func (s *Service) GetRecord(ctx context.Context, t EntityType, id int64) (Record, error) {
	var rec Record
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		found, ok := v.FindRecord(t, id)
		if !ok {
			return ErrNotFound{Entity: t, ID: id}
		}
		rec = found
		return nil
	})
	return rec, err
}

// ListRecords returns all records of one kind, ascending by ID.
func (s *Service) ListRecords(ctx context.Context, t EntityType) ([]Record, error) {
	var out []Record
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListRecords(t)
		return nil
	})
	return out, err
}

// RevisionHistory returns the record's revision chain, newest first.
func (s *Service) RevisionHistory(ctx context.Context, t EntityType, id int64) ([]Revision, error) {
	var out []Revision
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListRevisions(t, id)
		return nil
	})
	return out, err
}

// HistoryEntry pairs a revision with its human-facing delta from the
// previous state. Housekeeping fields are filtered per the kind's schema;
// full snapshots stay available on the revision itself.
type HistoryEntry struct {
	Revision Revision
	Delta    map[string]FieldChange
}

// ChangeSummary builds the filtered, human-facing view of a record's
// history, newest first. The first revision has no predecessor and an empty
// delta.
func (s *Service) ChangeSummary(ctx context.Context, t EntityType, id int64) ([]HistoryEntry, error) {
	ignore := domain.DefaultIgnoreFields()
	if schema, ok := s.schemas.Lookup(t); ok {
		ignore = schema.IgnoreFields
	}
	var out []HistoryEntry
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		revs := v.ListRevisions(t, id)
		out = make([]HistoryEntry, 0, len(revs))
		for i, rev := range revs {
			entry := HistoryEntry{Revision: rev}
			if i+1 < len(revs) {
				entry.Delta = domain.DiffRevisions(rev, revs[i+1], ignore)
			}
			out = append(out, entry)
		}
		return nil
	})
	return out, err
}
