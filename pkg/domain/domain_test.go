package domain

import (
	"testing"
	"time"
)

func revWithFields(fields map[string]string) Revision {
	return Revision{EntityType: EntityPlasmid, EntityID: 1, Fields: fields}
}

func TestDiffRevisions(t *testing.T) {
	newer := revWithFields(map[string]string{
		"name":             "pX v2",
		"sequence":         "ATGC",
		"last_modified_at": "2024-01-02T00:00:00Z",
		"added":            "yes",
	})
	older := revWithFields(map[string]string{
		"name":             "pX",
		"sequence":         "ATGC",
		"last_modified_at": "2024-01-01T00:00:00Z",
		"removed":          "gone",
	})

	delta := DiffRevisions(newer, older, nil)
	want := map[string]FieldChange{
		"name":             {Old: "pX", New: "pX v2"},
		"last_modified_at": {Old: "2024-01-01T00:00:00Z", New: "2024-01-02T00:00:00Z"},
		"added":            {Old: "", New: "yes"},
		"removed":          {Old: "gone", New: ""},
	}
	if len(delta) != len(want) {
		t.Fatalf("delta = %v", delta)
	}
	for k, w := range want {
		if delta[k] != w {
			t.Fatalf("delta[%s] = %+v, want %+v", k, delta[k], w)
		}
	}

	filtered := DiffRevisions(newer, older, []string{FieldLastModified})
	if _, ok := filtered[FieldLastModified]; ok {
		t.Fatal("ignored field leaked into delta")
	}
	if len(filtered) != 3 {
		t.Fatalf("filtered delta = %v", filtered)
	}
}

func TestHousekeepingOnly(t *testing.T) {
	if !HousekeepingOnly(map[string]FieldChange{
		FieldLastModified: {Old: "a", New: "b"},
	}) {
		t.Fatal("timestamp-only delta not recognized")
	}
	if HousekeepingOnly(map[string]FieldChange{
		FieldLastModified: {Old: "a", New: "b"},
		"name":            {Old: "x", New: "y"},
	}) {
		t.Fatal("real change classified as housekeeping")
	}
	if HousekeepingOnly(nil) {
		t.Fatal("empty delta classified as housekeeping")
	}
}

func TestNormalizeIDs(t *testing.T) {
	cases := []struct {
		in, want []int64
	}{
		{nil, []int64{}},
		{[]int64{3, 1, 2}, []int64{1, 2, 3}},
		{[]int64{5, 5, 5}, []int64{5}},
		{[]int64{2, 1, 2, 1}, []int64{1, 2}},
	}
	for _, c := range cases {
		if got := NormalizeIDs(c.in); !EqualIDs(got, c.want) {
			t.Fatalf("NormalizeIDs(%v) = %v, want %v", c.in, got, c.want)
		}
	}
	in := []int64{9, 3}
	_ = NormalizeIDs(in)
	if in[0] != 9 {
		t.Fatal("input slice mutated")
	}
}

func TestHoldsAuthorityOver(t *testing.T) {
	rec := Record{Type: EntityPlasmid, Projects: []int64{10, 20}}

	pi := Actor{ID: 1, PrincipalInvestigator: true, ProjectLeadIDs: []int64{20}}
	if !pi.HoldsAuthorityOver(rec) {
		t.Fatal("leading PI denied authority")
	}
	outsider := Actor{ID: 2, PrincipalInvestigator: true, ProjectLeadIDs: []int64{99}}
	if outsider.HoldsAuthorityOver(rec) {
		t.Fatal("PI without a governing project granted authority")
	}
	lead := Actor{ID: 3, ProjectLeadIDs: []int64{10}}
	if lead.HoldsAuthorityOver(rec) {
		t.Fatal("non-PI lead granted authority")
	}
}

func TestSnapshotFieldsIncludeBuiltins(t *testing.T) {
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	rec := Record{
		ID:             7,
		Type:           EntityPlasmid,
		Name:           "pX",
		OwnerID:        42,
		Fields:         map[string]string{"sequence": "ATGC"},
		MapKey:         "maps/plasmid/pX.dna",
		CreatedAt:      created,
		LastModifiedAt: created.Add(time.Hour),
	}
	fields := rec.SnapshotFields()
	if fields[FieldName] != "pX" || fields[FieldOwnerID] != "42" || fields["sequence"] != "ATGC" {
		t.Fatalf("fields = %v", fields)
	}
	if fields[FieldMapKey] != "maps/plasmid/pX.dna" {
		t.Fatalf("map key = %q", fields[FieldMapKey])
	}
	if fields[FieldCreatedAt] != "2024-05-01T08:00:00Z" || fields[FieldLastModified] != "2024-05-01T09:00:00Z" {
		t.Fatalf("timestamps = %q / %q", fields[FieldCreatedAt], fields[FieldLastModified])
	}
	if fields[FieldCreationApproved] != "false" {
		t.Fatalf("creation_approved = %q", fields[FieldCreationApproved])
	}
	for _, f := range []string{FieldChangeApproved, FieldApprovalDecisionAt, FieldApprovedByID} {
		if v, ok := fields[f]; !ok || v != "" {
			t.Fatalf("%s = %q ok=%v, want empty", f, v, ok)
		}
	}
}

func TestSnapshotFieldsCarryApprovalDecision(t *testing.T) {
	decided := time.Date(2024, 5, 2, 10, 30, 0, 0, time.UTC)
	approved := true
	approver := int64(5)
	rec := Record{
		ID:                 7,
		Type:               EntityPlasmid,
		Name:               "pX",
		CreationApproved:   true,
		ChangeApproved:     &approved,
		ApprovalDecisionAt: &decided,
		ApprovedByID:       &approver,
	}
	fields := rec.SnapshotFields()
	if fields[FieldCreationApproved] != "true" || fields[FieldChangeApproved] != "true" {
		t.Fatalf("approval flags = %q / %q", fields[FieldCreationApproved], fields[FieldChangeApproved])
	}
	if fields[FieldApprovalDecisionAt] != "2024-05-02T10:30:00Z" {
		t.Fatalf("decision time = %q", fields[FieldApprovalDecisionAt])
	}
	if fields[FieldApprovedByID] != "5" {
		t.Fatalf("approver = %q", fields[FieldApprovedByID])
	}
}

func TestDefaultSchemaRegistry(t *testing.T) {
	reg := DefaultSchemaRegistry()

	if related, ok := reg.Relationship(EntityPlasmid, "projects"); !ok || related != EntityProject {
		t.Fatalf("plasmid projects = %s ok=%v", related, ok)
	}
	if related, ok := reg.Relationship(EntityStrain, "integrated_plasmids"); !ok || related != EntityPlasmid {
		t.Fatalf("strain integrated_plasmids = %s ok=%v", related, ok)
	}
	if _, ok := reg.Relationship(EntityOligo, "elements"); ok {
		t.Fatal("oligo should not declare elements")
	}
	if _, ok := reg.Lookup(EntityProject); ok {
		t.Fatal("projects are referenced, not tracked")
	}

	schema, _ := reg.Lookup(EntityPlasmid)
	ignored := make(map[string]bool, len(schema.IgnoreFields))
	for _, f := range schema.IgnoreFields {
		ignored[f] = true
	}
	for _, f := range []string{FieldLastModified, FieldCreatedAt, FieldMapPreview, "change_approved"} {
		if !ignored[f] {
			t.Fatalf("%s missing from ignore set", f)
		}
	}
}
