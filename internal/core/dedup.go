package core

import (
	"context"
	"time"

	"labledger/pkg/domain"
)

// DefaultDedupWindow is the trailing window of record activity the dedup job
// scans on each run.
const DefaultDedupWindow = 8 * 24 * time.Hour

// DedupHistory prunes audit-trail noise: revisions whose complete, unfiltered
// delta from their predecessor is the last_modified_at bump of a silent save.
// Only the chain head is ever deleted, then the next head in turn, so chain
// order survives; a housekeeping revision buried under a real change stays.
// Re-running over a cleaned window deletes nothing. Returns the number of
// revisions removed.
func (s *Service) DedupHistory(ctx context.Context, window time.Duration) (int, error) {
	if window <= 0 {
		window = DefaultDedupWindow
	}
	var removed int
	err := s.instrument(ctx, "dedup_history", func(ctx context.Context) error {
		cutoff := s.nowFn().Add(-window)
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			for _, rec := range tx.RecordsModifiedSince(cutoff) {
				for {
					revs := tx.ListRevisions(rec.Type, rec.ID)
					if len(revs) < 2 {
						break
					}
					delta := domain.DiffRevisions(revs[0], revs[1], nil)
					if !domain.HousekeepingOnly(delta) {
						break
					}
					if err := tx.DeleteRevision(revs[0].ID); err != nil {
						return err
					}
					removed++
				}
			}
			return nil
		})
	})
	if err != nil {
		return removed, err
	}
	if removed > 0 {
		s.logger.Info("history deduplicated", "removed", removed, "window", window.String())
	}
	return removed, nil
}

// ScheduleMaintenance arms the periodic background jobs: the daily history
// dedup and, when approvers are supplied, the weekly digest. Requires a
// scheduler; failures inside a run go to the operator channel.
func (s *Service) ScheduleMaintenance(approvers func() []Actor) {
	if s.runner == nil {
		return
	}
	s.runner.Every("dedup-history", 24*time.Hour, func(ctx context.Context) error {
		_, err := s.DedupHistory(ctx, DefaultDedupWindow)
		if err != nil {
			s.alert("history dedup failed", err.Error())
		}
		return err
	})
	if approvers != nil {
		s.runner.Every("approver-digest", 7*24*time.Hour, func(ctx context.Context) error {
			_, err := s.SendApproverDigest(ctx, approvers())
			if err != nil {
				s.alert("approver digest failed", err.Error())
			}
			return err
		})
	}
}
