package core

import (
	"context"
	"fmt"

	"labledger/pkg/domain"
)

// ProjectRelationships recomputes the record's declared relationship
// snapshots from the given related-ID sets, persists them through a silent
// save, and mirrors them onto the chain head. Idempotent: when every
// normalized list equals the stored snapshot, nothing is written and no
// revision appears.
func (s *Service) ProjectRelationships(ctx context.Context, t EntityType, id int64, rels map[string][]int64) (Record, bool, error) {
	var (
		rec     Record
		changed bool
	)
	err := s.instrument(ctx, "project_relationships", func(ctx context.Context) error {
		schema, ok := s.schemas.Lookup(t)
		if !ok {
			return fmt.Errorf("no schema for %s", t)
		}
		normalized := make(map[string][]int64, len(rels))
		for name, ids := range rels {
			if _, declared := schema.Relationships[name]; !declared {
				return fmt.Errorf("relationship %q is not declared for %s", name, t)
			}
			normalized[name] = domain.NormalizeIDs(ids)
		}
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.FindRecord(t, id)
			if !ok {
				return ErrNotFound{Entity: t, ID: id}
			}
			changed = false
			for name, ids := range normalized {
				if !domain.EqualIDs(current.Snapshots[name], ids) {
					changed = true
					break
				}
			}
			if !changed {
				rec = current
				return nil
			}
			updated, err := tx.UpdateRecord(t, id, SaveSilent, nil, "", func(r *Record) error {
				if r.Snapshots == nil {
					r.Snapshots = make(map[string][]int64, len(normalized))
				}
				for name, ids := range normalized {
					r.Snapshots[name] = ids
				}
				return nil
			})
			if err != nil {
				return err
			}
			if head, ok := tx.LatestRevision(t, id); ok {
				if err := tx.SetRevisionSnapshots(head.ID, updated.Snapshots); err != nil {
					return err
				}
			}
			rec = updated
			s.logger.Debug("relationships projected", "type", t, "id", id)
			return nil
		})
	})
	return rec, changed, err
}
