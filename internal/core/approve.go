package core

import (
	"context"
	"fmt"
	"time"

	"labledger/internal/notify"
	"labledger/pkg/domain"
)

// DefaultGrantTTL is how long a temporary change permission lives.
const DefaultGrantTTL = 24 * time.Hour

// Approve clears the open approval slot of one record. The approver must
// hold authority over the record. Approval bookkeeping is written through a
// silent save with the modification time restored, so approving never shows
// up as an edit and never appends a revision.
func (s *Service) Approve(ctx context.Context, approver Actor, t EntityType, id int64) error {
	return s.instrument(ctx, "approve", func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.FindRecord(t, id)
			if !ok {
				return ErrNotFound{Entity: t, ID: id}
			}
			if !approver.HoldsAuthorityOver(current) {
				return ErrNotPermitted
			}
			slot, open := tx.OpenApprovalFor(t, id)
			if !open {
				return fmt.Errorf("no open approval request for %s %d", t, id)
			}

			pre := current.LastModifiedAt
			now := s.nowFn()
			if _, err := tx.UpdateRecord(t, id, SaveSilent, &approver.ID, "", func(r *Record) error {
				switch slot.Activity {
				case ActivityCreated:
					r.CreationApproved = true
					// Approving a creation also covers any edits made while
					// the request sat open.
					if r.ChangeApproved == nil || !*r.ChangeApproved {
						approved := true
						r.ChangeApproved = &approved
					}
				case ActivityChanged:
					approved := true
					r.ChangeApproved = &approved
					r.CreationApproved = true
				}
				r.ApprovalDecisionAt = &now
				r.ApprovedByID = &approver.ID
				return nil
			}); err != nil {
				return err
			}
			if err := tx.SetLastModified(t, id, pre); err != nil {
				return err
			}
			if err := tx.DeleteApproval(slot.ID); err != nil {
				return err
			}
			s.logger.Info("record approved", "type", t, "id", id, "approver", approver.ID, "activity", slot.Activity)
			return nil
		})
	})
}

// PendingApprovals lists all open approval requests, oldest first.
func (s *Service) PendingApprovals(ctx context.Context) ([]ApprovalRequest, error) {
	var out []ApprovalRequest
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		out = v.ListOpenApprovals()
		return nil
	})
	return out, err
}

// SendApproverDigest mails each given approver the open requests for records
// under their authority and stamps NotifiedAt on every slot it reported, so
// later edits flip the slot's Edited marker. Run weekly by the scheduler.
func (s *Service) SendApproverDigest(ctx context.Context, approvers []Actor) (int, error) {
	var notified int
	err := s.instrument(ctx, "send_approver_digest", func(ctx context.Context) error {
		if s.notifier == nil {
			return fmt.Errorf("digest requires a configured notifier")
		}
		type pending struct {
			slot ApprovalRequest
			rec  Record
		}
		var open []pending
		if err := s.store.View(ctx, func(v domain.TransactionView) error {
			for _, slot := range v.ListOpenApprovals() {
				rec, ok := v.FindRecord(slot.EntityType, slot.EntityID)
				if !ok {
					continue
				}
				open = append(open, pending{slot: slot, rec: rec})
			}
			return nil
		}); err != nil {
			return err
		}
		if len(open) == 0 {
			return nil
		}

		reported := make(map[int64]struct{})
		for _, approver := range approvers {
			if approver.Email == "" {
				continue
			}
			var entries []notify.DigestEntry
			for _, p := range open {
				if !approver.HoldsAuthorityOver(p.rec) {
					continue
				}
				entries = append(entries, notify.DigestEntry{
					EntityType: string(p.slot.EntityType),
					EntityID:   p.slot.EntityID,
					Name:       p.rec.Name,
					Activity:   string(p.slot.Activity),
					Requester:  fmt.Sprintf("user %d", p.slot.RequestedByID),
					Message:    p.slot.Message,
					OpenedAt:   p.slot.OpenedAt,
				})
				reported[p.slot.ID] = struct{}{}
			}
			if len(entries) == 0 {
				continue
			}
			if err := s.notifier.Send(ctx, notify.BuildDigest(approver.Email, entries)); err != nil {
				s.logger.Warn("digest delivery failed", "approver", approver.Email, "error", err)
				continue
			}
			notified++
		}
		if len(reported) == 0 {
			return nil
		}

		now := s.nowFn()
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			for slotID := range reported {
				if _, err := tx.UpdateApproval(slotID, func(a *ApprovalRequest) error {
					a.NotifiedAt = &now
					a.Edited = false
					return nil
				}); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return notified, err
}

// GrantChangePermission lets userID change one record. Unless permanent, the
// grant expires after 24 hours and a scheduled revocation enforces it.
func (s *Service) GrantChangePermission(ctx context.Context, granter Actor, t EntityType, id int64, userID int64, permanent bool) (PermissionGrant, error) {
	var grant PermissionGrant
	err := s.instrument(ctx, "grant_change_permission", func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.FindRecord(t, id)
			if !ok {
				return ErrNotFound{Entity: t, ID: id}
			}
			if granter.ID != current.OwnerID && !granter.HoldsAuthorityOver(current) {
				return ErrNotPermitted
			}
			draft := PermissionGrant{EntityType: t, EntityID: id, UserID: userID}
			if !permanent {
				expires := s.nowFn().Add(DefaultGrantTTL)
				draft.ExpiresAt = &expires
			}
			var err error
			grant, err = tx.CreateGrant(draft)
			return err
		})
	})
	if err != nil {
		return PermissionGrant{}, err
	}
	if !permanent && s.runner != nil {
		name := fmt.Sprintf("revoke-grant/%s/%d/%d", t, id, userID)
		s.runner.After(name, DefaultGrantTTL, func(ctx context.Context) error {
			return s.RevokeChangePermission(ctx, t, id, userID)
		})
	}
	return grant, nil
}

// RevokeChangePermission removes a user's grant on a record. Revoking an
// absent grant is a no-op, so the scheduled revocation can fire after a
// manual one without error.
func (s *Service) RevokeChangePermission(ctx context.Context, t EntityType, id int64, userID int64) error {
	return s.instrument(ctx, "revoke_change_permission", func(ctx context.Context) error {
		return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			if tx.DeleteGrantFor(t, id, userID) {
				s.logger.Info("change permission revoked", "type", t, "id", id, "user", userID)
			}
			return nil
		})
	})
}
