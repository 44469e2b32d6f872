package core

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestApproverDigestStampsNotifiedAt(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res, _ := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL040"), SaveOptions{Reason: "please review"})
	id := res.Record.ID

	notified, err := env.svc.SendApproverDigest(ctx, []Actor{pi, other})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if notified != 1 {
		t.Fatalf("notified = %d", notified)
	}
	sent := env.notifier.Sent()
	if len(sent) != 1 || sent[0].To[0] != pi.Email {
		t.Fatalf("digest recipients = %+v", sent)
	}
	if !strings.Contains(sent[0].Body, "pWL040") || !strings.Contains(sent[0].Body, "please review") {
		t.Fatalf("digest body:\n%s", sent[0].Body)
	}
	pending, _ := env.svc.PendingApprovals(ctx)
	if pending[0].NotifiedAt == nil || pending[0].Edited {
		t.Fatalf("slot after digest = %+v", pending[0])
	}

	// An edit after notification flags the slot so the approver knows the
	// state moved under them.
	env.clock.Advance(time.Hour)
	draft := plasmidDraft("pWL040 v2")
	draft.ID = id
	if _, err := env.svc.SaveRecord(ctx, tech, draft, SaveOptions{}); err != nil {
		t.Fatalf("edit: %v", err)
	}
	pending, _ = env.svc.PendingApprovals(ctx)
	if len(pending) != 1 || !pending[0].Edited {
		t.Fatalf("edit did not flag the slot: %+v", pending)
	}
}

func TestDigestSkipsApproversWithoutAuthority(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.svc.SaveRecord(ctx, tech, plasmidDraft("pWL041"), SaveOptions{}); err != nil {
		t.Fatalf("create: %v", err)
	}
	otherPI := Actor{ID: 9, Email: "otherpi@lab.example", PrincipalInvestigator: true, ProjectLeadIDs: []int64{99}}
	notified, err := env.svc.SendApproverDigest(ctx, []Actor{otherPI})
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if notified != 0 || len(env.notifier.Sent()) != 0 {
		t.Fatalf("digest sent to approver without authority: %d", notified)
	}
	pending, _ := env.svc.PendingApprovals(ctx)
	if pending[0].NotifiedAt != nil {
		t.Fatal("slot stamped although nobody was notified")
	}
}
