package core

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"labledger/internal/blob"
	"labledger/internal/mapservice"
	"labledger/pkg/domain"
)

// SaveOptions carries the per-save signals of the approval gate and the map
// reconciler.
type SaveOptions struct {
	// Reason is the optional free-text change reason stored on the revision
	// and on a newly opened approval request.
	Reason string
	// Disapprove withdraws a previously granted change approval instead of
	// applying field changes. Approver-only; the save short-circuits.
	Disapprove bool
	// MapUpload is the raw sequence map file, validated before anything is
	// written. MapFormat must be "dna" (native) or "gbk" (GenBank).
	MapUpload []byte
	MapFormat string
	// DetectFeatures asks the conversion service for the map's annotations,
	// which are matched against curated elements.
	DetectFeatures bool
	// Relationships sets the record's many-valued relationship snapshots,
	// keyed by the names its schema declares.
	Relationships map[string][]int64
}

// SaveResult reports the committed record plus the non-fatal outcomes of the
// save: derived-field warnings and whether an approval request was opened.
type SaveResult struct {
	Record        Record
	Warnings      []string
	RequestOpened bool
}

// SaveRecord runs the full save pipeline: validation, persist, approval
// gate, relationship snapshot projection, and map reconciliation. A zero
// draft ID creates; anything else updates. Derived-field failures (preview,
// conversion, feature detection) surface as warnings, never as a rollback.
func (s *Service) SaveRecord(ctx context.Context, actor Actor, draft Record, opts SaveOptions) (SaveResult, error) {
	var result SaveResult
	err := s.instrument(ctx, "save_record", func(ctx context.Context) error {
		if err := s.validateMapUpload(opts); err != nil {
			return err
		}
		snapshots, warnings := s.normalizeRelationships(draft.Type, opts.Relationships)
		result.Warnings = append(result.Warnings, warnings...)

		var err error
		if draft.ID == 0 {
			err = s.createRecord(ctx, actor, draft, opts, snapshots, &result)
		} else {
			err = s.updateRecord(ctx, actor, draft, opts, snapshots, &result)
		}
		if err != nil || len(opts.MapUpload) == 0 || opts.Disapprove {
			return err
		}
		return s.reconcileMapUpload(ctx, actor, opts, draft.ID == 0, &result)
	})
	return result, err
}

func (s *Service) validateMapUpload(opts SaveOptions) error {
	if len(opts.MapUpload) == 0 {
		return nil
	}
	if s.blobs == nil {
		return fmt.Errorf("map upload requires a configured blob store")
	}
	if int64(len(opts.MapUpload)) > s.mapSizeLimit {
		return fmt.Errorf("map file exceeds the %d byte limit", s.mapSizeLimit)
	}
	switch opts.MapFormat {
	case "dna":
		// Native maps start with a tab and carry the vendor name at offset 5.
		if len(opts.MapUpload) < 13 || opts.MapUpload[0] != '\t' || !bytes.Equal(opts.MapUpload[5:13], []byte("SnapGene")) {
			return fmt.Errorf("file is not a valid native map")
		}
	case "gbk":
		trimmed := bytes.TrimLeft(opts.MapUpload, " \t\r\n")
		if !bytes.HasPrefix(trimmed, []byte("LOCUS")) {
			return fmt.Errorf("file is not a valid GenBank map")
		}
	default:
		return fmt.Errorf("unsupported map format %q", opts.MapFormat)
	}
	return nil
}

// normalizeRelationships filters the requested snapshots down to the
// relationships the record's schema declares, normalizing each ID list.
func (s *Service) normalizeRelationships(t EntityType, rels map[string][]int64) (map[string][]int64, []string) {
	if len(rels) == 0 {
		return nil, nil
	}
	schema, ok := s.schemas.Lookup(t)
	if !ok {
		return nil, []string{fmt.Sprintf("no schema for %s; relationships ignored", t)}
	}
	var warnings []string
	out := make(map[string][]int64, len(rels))
	for name, ids := range rels {
		if _, declared := schema.Relationships[name]; !declared {
			warnings = append(warnings, fmt.Sprintf("relationship %q is not declared for %s", name, t))
			continue
		}
		out[name] = domain.NormalizeIDs(ids)
	}
	return out, warnings
}

func (s *Service) createRecord(ctx context.Context, actor Actor, draft Record, opts SaveOptions, snapshots map[string][]int64, result *SaveResult) error {
	if snapshots != nil {
		draft.Snapshots = snapshots
	}
	return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		rec, err := tx.CreateRecord(draft, &actor.ID)
		if err != nil {
			return err
		}
		if actor.HoldsAuthorityOver(rec) {
			rec, err = s.autoApprove(tx, rec, actor, true)
			if err != nil {
				return err
			}
		} else {
			if _, err := tx.OpenApproval(domain.ApprovalRequest{
				EntityType:    rec.Type,
				EntityID:      rec.ID,
				Activity:      ActivityCreated,
				RequestedByID: actor.ID,
				Message:       opts.Reason,
			}); err != nil {
				return err
			}
			result.RequestOpened = true
		}
		result.Record = rec
		s.logger.Info("record created", "type", rec.Type, "id", rec.ID, "actor", actor.ID, "auto_approved", !result.RequestOpened)
		return nil
	})
}

// autoApprove stamps the approval bookkeeping through a silent save, then
// restores the pre-save last_modified_at: approval is not a user-visible
// change and must not advance the record's modification time.
func (s *Service) autoApprove(tx domain.Transaction, rec Record, approver Actor, creation bool) (Record, error) {
	pre := rec.LastModifiedAt
	now := s.nowFn()
	updated, err := tx.UpdateRecord(rec.Type, rec.ID, SaveSilent, &approver.ID, "", func(r *Record) error {
		if creation {
			r.CreationApproved = true
		} else {
			approved := true
			r.ChangeApproved = &approved
			r.CreationApproved = true
		}
		r.ApprovalDecisionAt = &now
		r.ApprovedByID = &approver.ID
		return nil
	})
	if err != nil {
		return Record{}, err
	}
	if err := tx.SetLastModified(rec.Type, rec.ID, pre); err != nil {
		return Record{}, err
	}
	updated.LastModifiedAt = pre
	return updated, nil
}

func (s *Service) updateRecord(ctx context.Context, actor Actor, draft Record, opts SaveOptions, snapshots map[string][]int64, result *SaveResult) error {
	return s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		current, ok := tx.FindRecord(draft.Type, draft.ID)
		if !ok {
			return ErrNotFound{Entity: draft.Type, ID: draft.ID}
		}
		privileged := actor.HoldsAuthorityOver(current)

		if opts.Disapprove {
			if !privileged {
				return ErrNotPermitted
			}
			return s.disapprove(tx, current, opts, result)
		}
		if !s.mayChange(tx, current, actor, privileged) {
			return ErrNotPermitted
		}

		now := s.nowFn()
		rec, err := tx.UpdateRecord(draft.Type, draft.ID, SaveWithRevision, &actor.ID, opts.Reason, func(r *Record) error {
			applyDraft(r, draft)
			if snapshots != nil {
				r.Snapshots = snapshots
			}
			if privileged {
				approved := true
				r.ChangeApproved = &approved
				r.CreationApproved = true
				r.ApprovalDecisionAt = &now
				r.ApprovedByID = &actor.ID
			} else {
				approved := false
				r.ChangeApproved = &approved
				r.ApprovalDecisionAt = nil
				r.ApprovedByID = nil
			}
			return nil
		})
		if err != nil {
			return err
		}

		if privileged {
			tx.CloseApprovals(rec.Type, rec.ID)
		} else if slot, open := tx.OpenApprovalFor(rec.Type, rec.ID); open {
			if slot.NotifiedAt != nil && !slot.Edited {
				if _, err := tx.UpdateApproval(slot.ID, func(a *ApprovalRequest) error {
					a.Edited = true
					return nil
				}); err != nil {
					return err
				}
			}
		} else {
			if _, err := tx.OpenApproval(domain.ApprovalRequest{
				EntityType:    rec.Type,
				EntityID:      rec.ID,
				Activity:      ActivityChanged,
				RequestedByID: actor.ID,
				Message:       opts.Reason,
			}); err != nil {
				return err
			}
			result.RequestOpened = true
		}
		result.Record = rec
		s.logger.Info("record updated", "type", rec.Type, "id", rec.ID, "actor", actor.ID, "privileged", privileged)
		return nil
	})
}

// disapprove withdraws change approval without applying field changes. The
// original author becomes the requesting actor of the reopened slot, and the
// record's modification time is left untouched.
func (s *Service) disapprove(tx domain.Transaction, current Record, opts SaveOptions, result *SaveResult) error {
	pre := current.LastModifiedAt
	rec, err := tx.UpdateRecord(current.Type, current.ID, SaveSilent, nil, "", func(r *Record) error {
		approved := false
		r.ChangeApproved = &approved
		r.ApprovalDecisionAt = nil
		r.ApprovedByID = nil
		return nil
	})
	if err != nil {
		return err
	}
	if err := tx.SetLastModified(current.Type, current.ID, pre); err != nil {
		return err
	}
	rec.LastModifiedAt = pre
	if _, open := tx.OpenApprovalFor(current.Type, current.ID); !open {
		if _, err := tx.OpenApproval(domain.ApprovalRequest{
			EntityType:    current.Type,
			EntityID:      current.ID,
			Activity:      ActivityChanged,
			RequestedByID: current.OwnerID,
			Message:       opts.Reason,
		}); err != nil {
			return err
		}
		result.RequestOpened = true
	}
	result.Record = rec
	return nil
}

func (s *Service) mayChange(tx domain.Transaction, rec Record, actor Actor, privileged bool) bool {
	if privileged || actor.ID == rec.OwnerID {
		return true
	}
	grant, ok := tx.GrantFor(rec.Type, rec.ID, actor.ID)
	if !ok {
		return false
	}
	return grant.ExpiresAt == nil || grant.ExpiresAt.After(s.nowFn())
}

// applyDraft copies the caller-controlled fields onto the stored record.
// Map keys and approval bookkeeping are never taken from a draft.
func applyDraft(r *Record, draft Record) {
	r.Name = draft.Name
	if draft.OwnerID != 0 {
		r.OwnerID = draft.OwnerID
	}
	if draft.Projects != nil {
		r.Projects = append([]int64(nil), draft.Projects...)
	}
	if draft.Fields != nil {
		r.Fields = make(map[string]string, len(draft.Fields))
		for k, v := range draft.Fields {
			r.Fields[k] = v
		}
	}
}

func kindPrefix(t EntityType) string {
	switch t {
	case EntityPlasmid:
		return "p"
	case EntityStrain:
		return "s"
	case EntityCellLine:
		return "c"
	case EntityOligo:
		return "o"
	default:
		return "r"
	}
}

// reconcileMapUpload is the multi-phase save: the record already exists (so
// its ID is known), the uploaded map is stored and renamed to its canonical
// ID-derived key, converted, and rendered, and the corrected keys are saved
// back. For creations the provisional first revision is then replaced so
// exactly one Created revision with final values survives.
func (s *Service) reconcileMapUpload(ctx context.Context, actor Actor, opts SaveOptions, created bool, result *SaveResult) error {
	rec := result.Record
	stamp := s.nowFn().Format("20060102_150405")
	base := fmt.Sprintf("%s%s%d_%s", kindPrefix(rec.Type), s.labAbbreviation, rec.ID, stamp)
	staging := fmt.Sprintf("incoming/%s/%s.%s", rec.Type, base, opts.MapFormat)
	mapKey := fmt.Sprintf("maps/%s/%s.dna", rec.Type, base)
	genbankKey := fmt.Sprintf("maps/%s/%s.gbk", rec.Type, base)
	previewKey := fmt.Sprintf("maps/%s/%s.png", rec.Type, base)

	if _, err := s.blobs.Put(ctx, staging, bytes.NewReader(opts.MapUpload), blob.PutOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{"entity_type": string(rec.Type), "entity_id": fmt.Sprint(rec.ID)},
	}); err != nil {
		return fmt.Errorf("store map upload: %w", err)
	}

	// The rename-then-convert sequence is not atomic; a crash here can leave
	// the record pointing at a key that was never renamed.
	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		result.Warnings = append(result.Warnings, msg)
		s.logger.Warn("map reconciliation", "type", rec.Type, "id", rec.ID, "warning", msg)
	}

	switch opts.MapFormat {
	case "dna":
		if err := s.blobs.Rename(ctx, staging, mapKey); err != nil {
			return fmt.Errorf("rename map upload: %w", err)
		}
		if s.maps != nil {
			if err := s.maps.ExportGenBank(ctx, mapKey, genbankKey); err != nil {
				warn("GenBank export failed: %v", err)
				genbankKey = ""
			}
		} else {
			genbankKey = ""
		}
	case "gbk":
		if err := s.blobs.Rename(ctx, staging, genbankKey); err != nil {
			return fmt.Errorf("rename map upload: %w", err)
		}
		if s.maps != nil {
			if err := s.maps.ImportGenBank(ctx, genbankKey, mapKey); err != nil {
				warn("native map conversion failed: %v", err)
				mapKey = ""
			}
		} else {
			mapKey = ""
		}
	}

	if mapKey != "" && s.maps != nil {
		if err := s.maps.GeneratePreview(ctx, mapKey, previewKey, mapservice.RenderOptions{
			ShowEnzymes:  true,
			ShowFeatures: true,
		}); err != nil {
			warn("preview rendering failed: %v", err)
			previewKey = ""
		}
	} else {
		previewKey = ""
	}

	var matched []int64
	if opts.DetectFeatures && mapKey != "" && s.maps != nil {
		features, err := s.maps.DetectFeatures(ctx, mapKey)
		if err != nil {
			warn("feature detection failed: %v", err)
		} else {
			names := make([]string, 0, len(features))
			for _, f := range features {
				names = append(names, f.Name)
			}
			elements, unknown, err := s.MatchFeatures(ctx, names)
			if err != nil {
				warn("feature matching failed: %v", err)
			} else {
				for _, el := range elements {
					matched = append(matched, el.ID)
				}
				if len(unknown) > 0 {
					warn("unmatched features: %s", strings.Join(unknown, ", "))
				}
			}
		}
	}

	oldKeys := []string{rec.MapKey, rec.MapGenBankKey, rec.MapPreviewKey}
	mode := SaveSilent
	if created {
		mode = SaveWithRevision
	}
	err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		updated, err := tx.UpdateRecord(rec.Type, rec.ID, mode, &actor.ID, "", func(r *Record) error {
			r.MapKey = mapKey
			r.MapGenBankKey = genbankKey
			r.MapPreviewKey = previewKey
			if len(matched) > 0 {
				if r.Snapshots == nil {
					r.Snapshots = make(map[string][]int64)
				}
				r.Snapshots["elements"] = domain.NormalizeIDs(append(r.Snapshots["elements"], matched...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		if created {
			// Replace the provisional first revision with the corrected one.
			revs := tx.ListRevisions(rec.Type, rec.ID)
			if len(revs) == 2 {
				if err := tx.DeleteRevision(revs[1].ID); err != nil {
					return err
				}
				if err := tx.Reclassify(revs[0].ID, RevisionCreated); err != nil {
					return err
				}
			}
		} else if len(matched) > 0 {
			// The silent save does not version the element merge; mirror it
			// onto the chain head like the projector does.
			if head, ok := tx.LatestRevision(rec.Type, rec.ID); ok {
				if err := tx.SetRevisionSnapshots(head.ID, updated.Snapshots); err != nil {
					return err
				}
			}
		}
		result.Record = updated
		return nil
	})
	if err != nil {
		return err
	}

	for _, key := range oldKeys {
		if key != "" {
			if _, err := s.blobs.Delete(ctx, key); err != nil {
				warn("stale map file %s not removed: %v", key, err)
			}
		}
	}
	return nil
}

// DeleteRecord removes a record, appending a final Deleted revision and
// closing its approval slot. Map files are cleaned up best-effort.
func (s *Service) DeleteRecord(ctx context.Context, actor Actor, t EntityType, id int64) error {
	return s.instrument(ctx, "delete_record", func(ctx context.Context) error {
		var keys []string
		err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			current, ok := tx.FindRecord(t, id)
			if !ok {
				return ErrNotFound{Entity: t, ID: id}
			}
			if actor.ID != current.OwnerID && !actor.HoldsAuthorityOver(current) {
				return ErrNotPermitted
			}
			keys = []string{current.MapKey, current.MapGenBankKey, current.MapPreviewKey}
			return tx.DeleteRecord(t, id, &actor.ID)
		})
		if err != nil {
			return err
		}
		if s.blobs != nil {
			for _, key := range keys {
				if key != "" {
					_, _ = s.blobs.Delete(ctx, key)
				}
			}
		}
		s.logger.Info("record deleted", "type", t, "id", id, "actor", actor.ID)
		return nil
	})
}
