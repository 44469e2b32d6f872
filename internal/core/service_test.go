package core

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"labledger/internal/blob"
	"labledger/internal/infra/persistence/memory"
	"labledger/internal/mapservice"
	"labledger/internal/notify"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	svc      *Service
	store    *memory.Store
	clock    *fakeClock
	blobs    *blob.MemoryStore
	maps     *mapservice.MemoryClient
	notifier *notify.MemoryNotifier
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	clock := newFakeClock()
	store := memory.NewStore()
	store.SetNowFunc(clock.Now)
	blobs := blob.NewMemoryStore()
	blobs.SetNowFunc(clock.Now)
	maps := mapservice.NewMemoryClient()
	notifier := notify.NewMemoryNotifier()
	all := append([]Option{
		WithNowFunc(clock.Now),
		WithBlobStore(blobs),
		WithMapService(maps),
		WithNotifier(notifier),
		WithLabAbbreviation("WL"),
	}, opts...)
	return &testEnv{
		svc:      NewService(store, all...),
		store:    store,
		clock:    clock,
		blobs:    blobs,
		maps:     maps,
		notifier: notifier,
	}
}

var (
	pi    = Actor{ID: 1, Email: "pi@lab.example", PrincipalInvestigator: true, ProjectLeadIDs: []int64{10}}
	tech  = Actor{ID: 2, Email: "tech@lab.example"}
	other = Actor{ID: 3, Email: "other@lab.example"}
)

func plasmidDraft(name string) Record {
	return Record{
		Type:     EntityPlasmid,
		Name:     name,
		OwnerID:  tech.ID,
		Projects: []int64{10},
		Fields:   map[string]string{"sequence": "ATGC"},
	}
}

func dnaUpload() []byte {
	payload := []byte{'\t', 0, 0, 0, 0}
	payload = append(payload, []byte("SnapGene")...)
	return append(payload, []byte(" native map body")...)
}

func gbkUpload() []byte {
	return []byte("LOCUS       pWL001       4 bp    DNA     circular\nORIGIN\n//\n")
}

func TestCreateByNonPrivilegedOpensRequest(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL001"), SaveOptions{Reason: "new construct"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !res.RequestOpened {
		t.Fatal("expected an approval request")
	}
	if res.Record.CreationApproved {
		t.Fatal("creation must not be auto-approved for a technician")
	}
	pending, err := env.svc.PendingApprovals(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %v err = %v", pending, err)
	}
	if pending[0].Activity != ActivityCreated || pending[0].RequestedByID != tech.ID || pending[0].Message != "new construct" {
		t.Fatalf("unexpected slot %+v", pending[0])
	}
	revs, err := env.svc.RevisionHistory(ctx, EntityPlasmid, res.Record.ID)
	if err != nil || len(revs) != 1 || revs[0].Kind != RevisionCreated {
		t.Fatalf("revisions = %+v err = %v", revs, err)
	}
}

func TestAutoApprovalTimestampStability(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, pi, plasmidDraft("pWL002"), SaveOptions{})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.RequestOpened {
		t.Fatal("privileged creation must not open a request")
	}
	if !res.Record.CreationApproved || res.Record.ApprovedByID == nil || *res.Record.ApprovedByID != pi.ID {
		t.Fatalf("auto-approval bookkeeping missing: %+v", res.Record)
	}
	stored, err := env.svc.GetRecord(ctx, EntityPlasmid, res.Record.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !stored.LastModifiedAt.Equal(stored.CreatedAt) {
		t.Fatalf("auto-approval advanced last_modified_at: created=%v modified=%v", stored.CreatedAt, stored.LastModifiedAt)
	}
	revs, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, res.Record.ID)
	if len(revs) != 1 {
		t.Fatalf("auto-approval must not add revisions, got %d", len(revs))
	}
}

func TestSingleRevisionPerMultiPhaseCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL003"), SaveOptions{
		MapUpload:     dnaUpload(),
		MapFormat:     "dna",
		Relationships: map[string][]int64{"projects": {10}},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	revs, err := env.svc.RevisionHistory(ctx, EntityPlasmid, res.Record.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(revs) != 1 {
		t.Fatalf("multi-phase create must leave exactly one revision, got %d", len(revs))
	}
	rev := revs[0]
	if rev.Kind != RevisionCreated {
		t.Fatalf("surviving revision kind = %s", rev.Kind)
	}
	if res.Record.MapKey == "" || rev.Fields[FieldMapKey] != res.Record.MapKey {
		t.Fatalf("revision lacks final map key: rev=%q rec=%q", rev.Fields[FieldMapKey], res.Record.MapKey)
	}
	if got := rev.Snapshots["projects"]; len(got) != 1 || got[0] != 10 {
		t.Fatalf("revision snapshot = %v", got)
	}
	if _, err := env.blobs.Head(ctx, res.Record.MapKey); err != nil {
		t.Fatalf("canonical map blob missing: %v", err)
	}
	if !strings.Contains(res.Record.MapKey, "pWL"+strconv.FormatInt(res.Record.ID, 10)) {
		t.Fatalf("canonical key lacks ID-derived name: %q", res.Record.MapKey)
	}
}

func TestGenBankUploadConvertsAndFailuresWarn(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL004"), SaveOptions{MapUpload: gbkUpload(), MapFormat: "gbk"})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Record.MapGenBankKey == "" || res.Record.MapKey == "" || res.Record.MapPreviewKey == "" {
		t.Fatalf("expected all keys populated: %+v", res.Record)
	}
	calls := env.maps.Calls()
	if len(calls) < 2 || calls[0] != "import_genbank" || calls[1] != "generate_preview" {
		t.Fatalf("unexpected conversion calls %v", calls)
	}

	// A failing conversion service downgrades to warnings; the save commits.
	env.maps.Fail(errors.New("service wedged"))
	res2, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL005"), SaveOptions{MapUpload: gbkUpload(), MapFormat: "gbk"})
	if err != nil {
		t.Fatalf("save with failing service: %v", err)
	}
	if len(res2.Warnings) == 0 {
		t.Fatal("expected warnings from failed conversion")
	}
	if res2.Record.MapKey != "" || res2.Record.MapPreviewKey != "" {
		t.Fatalf("derived keys should be empty after failure: %+v", res2.Record)
	}
	if res2.Record.MapGenBankKey == "" {
		t.Fatal("uploaded GenBank file itself must survive")
	}
}

func TestMapUploadValidationRejectsBeforeWrite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cases := []SaveOptions{
		{MapUpload: []byte("not a map"), MapFormat: "dna"},
		{MapUpload: []byte("ORIGIN first"), MapFormat: "gbk"},
		{MapUpload: dnaUpload(), MapFormat: "fasta"},
		{MapUpload: make([]byte, defaultMapSizeLimit+1), MapFormat: "dna"},
	}
	for i, opts := range cases {
		if _, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pBad"), opts); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
	if recs, _ := env.svc.ListRecords(ctx, EntityPlasmid); len(recs) != 0 {
		t.Fatalf("validation failure wrote records: %v", recs)
	}
}

func TestApprovalSingleSlotInvariant(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL006"), SaveOptions{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res.Record.ID

	// Repeated non-privileged edits keep exactly one slot open.
	for i := 0; i < 3; i++ {
		draft := plasmidDraft("pWL006")
		draft.ID = id
		draft.Fields["sequence"] = "ATGC" + strconv.Itoa(i)
		if _, err := env.svc.SaveRecord(ctx, tech, draft, SaveOptions{}); err != nil {
			t.Fatalf("edit %d: %v", i, err)
		}
	}
	pending, _ := env.svc.PendingApprovals(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected one open slot, got %d", len(pending))
	}

	if err := env.svc.Approve(ctx, pi, EntityPlasmid, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	pending, _ = env.svc.PendingApprovals(ctx)
	if len(pending) != 0 {
		t.Fatalf("slot not cleared: %v", pending)
	}

	// Disapprove reopens one slot; a second disapprove does not add another.
	draft := plasmidDraft("pWL006")
	draft.ID = id
	if _, err := env.svc.SaveRecord(ctx, pi, draft, SaveOptions{Disapprove: true}); err != nil {
		t.Fatalf("disapprove: %v", err)
	}
	if _, err := env.svc.SaveRecord(ctx, pi, draft, SaveOptions{Disapprove: true}); err != nil {
		t.Fatalf("second disapprove: %v", err)
	}
	pending, _ = env.svc.PendingApprovals(ctx)
	if len(pending) != 1 {
		t.Fatalf("expected exactly one slot after disapprovals, got %d", len(pending))
	}
	if pending[0].RequestedByID != tech.ID {
		t.Fatalf("reopened slot must name the record owner, got %d", pending[0].RequestedByID)
	}
}

func TestDisapproveShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL007"), SaveOptions{})
	id := res.Record.ID
	before, _ := env.svc.GetRecord(ctx, EntityPlasmid, id)
	revsBefore, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, id)

	env.clock.Advance(time.Hour)
	draft := plasmidDraft("renamed to something else")
	draft.ID = id
	out, err := env.svc.SaveRecord(ctx, pi, draft, SaveOptions{Disapprove: true})
	if err != nil {
		t.Fatalf("disapprove: %v", err)
	}
	if out.Record.Name != before.Name {
		t.Fatal("disapprove must not apply field changes")
	}
	if out.Record.ChangeApproved == nil || *out.Record.ChangeApproved {
		t.Fatal("disapprove must clear change approval")
	}
	if !out.Record.LastModifiedAt.Equal(before.LastModifiedAt) {
		t.Fatal("disapprove must not advance last_modified_at")
	}
	revsAfter, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, id)
	if len(revsAfter) != len(revsBefore) {
		t.Fatal("disapprove must not append a revision")
	}

	if _, err := env.svc.SaveRecord(ctx, tech, draft, SaveOptions{Disapprove: true}); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("non-privileged disapprove: %v", err)
	}
}

func TestPrivilegedEditApprovesInline(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL008"), SaveOptions{})
	id := res.Record.ID

	draft := plasmidDraft("pWL008 v2")
	draft.ID = id
	out, err := env.svc.SaveRecord(ctx, pi, draft, SaveOptions{Reason: "fixed backbone"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if out.Record.ChangeApproved == nil || !*out.Record.ChangeApproved || !out.Record.CreationApproved {
		t.Fatalf("privileged edit must approve: %+v", out.Record)
	}
	if pending, _ := env.svc.PendingApprovals(ctx); len(pending) != 0 {
		t.Fatalf("privileged edit must close the slot: %v", pending)
	}
	revs, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, id)
	if len(revs) != 2 || revs[0].Kind != RevisionChanged || revs[0].Reason != "fixed backbone" {
		t.Fatalf("unexpected chain %+v", revs)
	}
}

func TestApproveBackfillsAndKeepsTimestamp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL009"), SaveOptions{})
	id := res.Record.ID
	before, _ := env.svc.GetRecord(ctx, EntityPlasmid, id)
	env.clock.Advance(30 * time.Minute)

	if err := env.svc.Approve(ctx, other, EntityPlasmid, id); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("non-authority approve: %v", err)
	}
	if err := env.svc.Approve(ctx, pi, EntityPlasmid, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	after, _ := env.svc.GetRecord(ctx, EntityPlasmid, id)
	if !after.CreationApproved {
		t.Fatal("creation not approved")
	}
	if after.ChangeApproved == nil || !*after.ChangeApproved {
		t.Fatal("creation approval must backfill the change flag")
	}
	if !after.LastModifiedAt.Equal(before.LastModifiedAt) {
		t.Fatal("approval advanced last_modified_at")
	}
	revs, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, id)
	if len(revs) != 1 {
		t.Fatalf("approval appended a revision: %d", len(revs))
	}
	if err := env.svc.Approve(ctx, pi, EntityPlasmid, id); err == nil {
		t.Fatal("approving without an open slot must fail")
	}
}

func TestEndToEndScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL010"), SaveOptions{
		Relationships: map[string][]int64{"projects": {10, 11}},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	id := res.Record.ID
	if !res.RequestOpened {
		t.Fatal("expected an open request")
	}
	revs, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, id)
	if len(revs) != 1 || revs[0].Kind != RevisionCreated {
		t.Fatalf("chain = %+v", revs)
	}
	if snap := revs[0].Snapshots["projects"]; len(snap) != 2 || snap[0] != 10 || snap[1] != 11 {
		t.Fatalf("snapshot = %v", snap)
	}

	createdAt := res.Record.LastModifiedAt
	env.clock.Advance(2 * time.Hour)
	if err := env.svc.Approve(ctx, pi, EntityPlasmid, id); err != nil {
		t.Fatalf("approve: %v", err)
	}
	rec, _ := env.svc.GetRecord(ctx, EntityPlasmid, id)
	if !rec.CreationApproved {
		t.Fatal("not approved")
	}
	if !rec.LastModifiedAt.Equal(createdAt) {
		t.Fatal("approval changed the modification time")
	}
	if pending, _ := env.svc.PendingApprovals(ctx); len(pending) != 0 {
		t.Fatal("slot survived approval")
	}
	if revs, _ = env.svc.RevisionHistory(ctx, EntityPlasmid, id); len(revs) != 1 {
		t.Fatal("approval added a revision")
	}
}

func TestChangePermissionGrants(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL011"), SaveOptions{})
	id := res.Record.ID

	draft := plasmidDraft("pWL011 edited")
	draft.ID = id
	if _, err := env.svc.SaveRecord(ctx, other, draft, SaveOptions{}); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("edit without grant: %v", err)
	}

	if _, err := env.svc.GrantChangePermission(ctx, other, EntityPlasmid, id, other.ID, false); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("self-grant by stranger: %v", err)
	}
	if _, err := env.svc.GrantChangePermission(ctx, tech, EntityPlasmid, id, other.ID, false); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := env.svc.SaveRecord(ctx, other, draft, SaveOptions{}); err != nil {
		t.Fatalf("edit with grant: %v", err)
	}

	// Expired grants stop working even before the scheduled revocation runs.
	env.clock.Advance(DefaultGrantTTL + time.Minute)
	if _, err := env.svc.SaveRecord(ctx, other, draft, SaveOptions{}); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("edit with expired grant: %v", err)
	}
	if err := env.svc.RevokeChangePermission(ctx, EntityPlasmid, id, other.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := env.svc.RevokeChangePermission(ctx, EntityPlasmid, id, other.ID); err != nil {
		t.Fatalf("second revoke must be a no-op: %v", err)
	}
}

func TestDeleteRecordWritesDeletedRevision(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL012"), SaveOptions{})
	id := res.Record.ID

	if err := env.svc.DeleteRecord(ctx, other, EntityPlasmid, id); !errors.Is(err, ErrNotPermitted) {
		t.Fatalf("delete by stranger: %v", err)
	}
	if err := env.svc.DeleteRecord(ctx, tech, EntityPlasmid, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.GetRecord(ctx, EntityPlasmid, id); err == nil {
		t.Fatal("record still present")
	}
	revs, _ := env.svc.RevisionHistory(ctx, EntityPlasmid, id)
	if len(revs) != 2 || revs[0].Kind != RevisionDeleted {
		t.Fatalf("chain after delete = %+v", revs)
	}
	if pending, _ := env.svc.PendingApprovals(ctx); len(pending) != 0 {
		t.Fatal("delete must close the approval slot")
	}
}

func TestMatchFeaturesCaseSensitive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	amp, err := env.svc.AddElement(ctx, Element{Name: "AmpR", Aliases: []string{"bla", "ampicillin resistance"}})
	if err != nil {
		t.Fatalf("add element: %v", err)
	}
	if _, err := env.svc.AddElement(ctx, Element{Name: "ori"}); err != nil {
		t.Fatalf("add element: %v", err)
	}

	matched, unknown, err := env.svc.MatchFeatures(ctx, []string{"bla", "AmpR", "ORI", "tetR"})
	if err != nil {
		t.Fatalf("match: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != amp.ID {
		t.Fatalf("matched = %+v", matched)
	}
	if len(unknown) != 2 || unknown[0] != "ORI" || unknown[1] != "tetR" {
		t.Fatalf("unknown = %v", unknown)
	}
}
