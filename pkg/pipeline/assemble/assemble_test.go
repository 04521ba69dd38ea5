package assemble_test

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/assemble"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
)

func date(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

func ptr(t time.Time) *time.Time { return &t }

func beneficiaryIndex() *assemble.Index {
	return assemble.NewIndex("beneficiary", []scd.Version{
		{SurrogateKey: "sk-p1-b", BusinessKey: "P1", ValidFrom: date(2010, 6, 1), IsCurrent: true},
		{SurrogateKey: "sk-p1-a", BusinessKey: "P1", ValidFrom: date(2009, 1, 1), ValidTo: ptr(date(2010, 6, 1))},
		{SurrogateKey: "sk-p2-a", BusinessKey: "P2", ValidFrom: date(2009, 3, 1), IsCurrent: true},
	})
}

func claimSpec() assemble.FactSpec {
	return assemble.FactSpec{
		Name:            "claims",
		IDColumn:        "clm_id",
		EventDateColumn: "clm_from_dt",
		References:      []assemble.Reference{{Dimension: "beneficiary", Column: "desynpuf_id"}},
		Measures:        []assemble.Measure{{Name: "payment_amount"}},
		Attributes:      []string{"claim_type"},
	}
}

func TestIndex_Resolve(t *testing.T) {
	t.Parallel()

	ix := beneficiaryIndex()
	tests := []struct {
		name string
		key  string
		at   time.Time
		want string
		ok   bool
	}{
		{name: "first interval", key: "P1", at: date(2009, 1, 1), want: "sk-p1-a", ok: true},
		{name: "before closing instant", key: "P1", at: date(2010, 5, 31), want: "sk-p1-a", ok: true},
		{name: "closing instant belongs to successor", key: "P1", at: date(2010, 6, 1), want: "sk-p1-b", ok: true},
		{name: "open interval", key: "P1", at: date(2030, 1, 1), want: "sk-p1-b", ok: true},
		{name: "before history", key: "P2", at: date(2009, 2, 28)},
		{name: "unknown key", key: "P9", at: date(2009, 6, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			v, ok := ix.Resolve(tt.key, tt.at)
			if ok != tt.ok {
				t.Fatalf("ok=%v want=%v", ok, tt.ok)
			}
			if ok && v.SurrogateKey != tt.want {
				t.Fatalf("resolved %s want %s", v.SurrogateKey, tt.want)
			}
		})
	}
}

func TestAssemble_AsOfJoin(t *testing.T) {
	t.Parallel()

	batch := core.Batch{Meta: core.BatchMeta{BatchID: "silver-1"}, Rows: []core.Row{
		{"clm_id": "C1", "desynpuf_id": "P1", "clm_from_dt": date(2009, 5, 1), "payment_amount": decimal.RequireFromString("100.50"), "claim_type": "inpatient"},
		{"clm_id": "C2", "desynpuf_id": "P1", "clm_from_dt": date(2011, 1, 1), "payment_amount": "20", "claim_type": "outpatient"},
	}}
	res, err := assemble.Assemble(batch, claimSpec(), map[string]*assemble.Index{"beneficiary": beneficiaryIndex()})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if len(res.Facts) != 2 || len(res.Rejections) != 0 {
		t.Fatalf("facts=%d rejections=%d", len(res.Facts), len(res.Rejections))
	}
	got := []string{res.Facts[0].Keys["beneficiary"], res.Facts[1].Keys["beneficiary"]}
	if diff := cmp.Diff([]string{"sk-p1-a", "sk-p1-b"}, got); diff != "" {
		t.Fatalf("surrogate keys mismatch (-want +got):\n%s", diff)
	}
	if !res.Facts[1].Measures["payment_amount"].Equal(decimal.NewFromInt(20)) {
		t.Fatalf("unexpected measure: %s", res.Facts[1].Measures["payment_amount"])
	}
}

func TestAssemble_UnresolvedReferenceExcluded(t *testing.T) {
	t.Parallel()

	batch := core.Batch{Meta: core.BatchMeta{BatchID: "silver-1"}, Rows: []core.Row{
		{"clm_id": "C1", "desynpuf_id": "P2", "clm_from_dt": date(2009, 1, 15), "payment_amount": "50", "claim_type": "carrier"},
		{"clm_id": "C2", "desynpuf_id": "P2", "clm_from_dt": date(2009, 4, 1), "payment_amount": "70", "claim_type": "carrier"},
		{"clm_id": "C3", "desynpuf_id": "", "clm_from_dt": date(2009, 4, 1), "payment_amount": "1", "claim_type": "carrier"},
	}}
	spec := claimSpec()
	res, err := assemble.Assemble(batch, spec, map[string]*assemble.Index{"beneficiary": beneficiaryIndex()})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if res.Summary != (assemble.Summary{Candidates: 3, Assembled: 1, Unresolved: 2}) {
		t.Fatalf("unexpected summary: %#v", res.Summary)
	}
	rej := res.Rejections[0].Err
	if rej.Kind != core.KindUnresolvedDimensionReference || rej.BusinessKey != "P2" || rej.Row != 0 || rej.BatchID != "silver-1" {
		t.Fatalf("unexpected rejection: %#v", rej)
	}
	if res.Facts[0].FactID != "C2" {
		t.Fatalf("unexpected surviving fact: %#v", res.Facts[0])
	}

	groups := assemble.Aggregate(res.Facts, spec, "claim_type")
	if len(groups) != 1 || groups[0].Count != 1 || !groups[0].Sums["payment_amount"].Equal(decimal.NewFromInt(70)) {
		t.Fatalf("aggregate must only see resolved facts: %#v", groups)
	}
}

func TestAssemble_MissingDimensionIndex(t *testing.T) {
	t.Parallel()

	batch := core.Batch{Rows: []core.Row{{"clm_id": "C1", "desynpuf_id": "P1", "clm_from_dt": "2009-05-01", "payment_amount": "1"}}}
	res, err := assemble.Assemble(batch, claimSpec(), nil)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	if res.Summary.Unresolved != 1 || len(res.Facts) != 0 {
		t.Fatalf("unexpected result: %#v", res.Summary)
	}
}

func TestAssemble_InvalidRows(t *testing.T) {
	t.Parallel()

	batch := core.Batch{Rows: []core.Row{
		{"clm_id": "C1", "desynpuf_id": "P1", "clm_from_dt": nil, "payment_amount": "1"},
		{"clm_id": "C2", "desynpuf_id": "P1", "clm_from_dt": date(2009, 5, 1), "payment_amount": "abc"},
		{"clm_id": " ", "desynpuf_id": "P1", "clm_from_dt": date(2009, 5, 1), "payment_amount": "1"},
	}}
	res, err := assemble.Assemble(batch, claimSpec(), map[string]*assemble.Index{"beneficiary": beneficiaryIndex()})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	var kinds []core.ErrorKind
	for _, r := range res.Rejections {
		kinds = append(kinds, r.Err.Kind)
	}
	want := []core.ErrorKind{core.KindMissingColumn, core.KindTypeCastFailure, core.KindMissingColumn}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("rejection kinds mismatch (-want +got):\n%s", diff)
	}
	if res.Summary.Invalid != 3 || res.Summary.Unresolved != 0 {
		t.Fatalf("unexpected summary: %#v", res.Summary)
	}
}

func TestAssemble_DuplicateFactIDKeepsFirst(t *testing.T) {
	t.Parallel()

	batch := core.Batch{Meta: core.BatchMeta{BatchID: "silver-2"}, Rows: []core.Row{
		{"clm_id": "C1", "desynpuf_id": "P1", "clm_from_dt": date(2009, 5, 1), "payment_amount": "10"},
		{"clm_id": "C1 ", "desynpuf_id": "P2", "clm_from_dt": date(2009, 6, 1), "payment_amount": "99"},
		{"clm_id": "C2", "desynpuf_id": "P2", "clm_from_dt": date(2009, 6, 1), "payment_amount": "5"},
		{"clm_id": "C1", "desynpuf_id": "P1", "clm_from_dt": date(2009, 5, 1), "payment_amount": "10"},
	}}
	res, err := assemble.Assemble(batch, claimSpec(), map[string]*assemble.Index{"beneficiary": beneficiaryIndex()})
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	var ids []string
	for _, f := range res.Facts {
		ids = append(ids, f.FactID)
	}
	if diff := cmp.Diff([]string{"C1", "C2"}, ids); diff != "" {
		t.Fatalf("fact ids mismatch (-want +got):\n%s", diff)
	}
	if !res.Facts[0].Measures["payment_amount"].Equal(decimal.NewFromInt(10)) {
		t.Fatalf("first row must win: %#v", res.Facts[0].Measures)
	}
	var rejected []int
	for _, r := range res.Rejections {
		if r.Err.Kind != core.KindTypeCastFailure || r.Err.Column != "clm_id" || r.Err.BusinessKey != "C1" || r.Err.BatchID != "silver-2" {
			t.Fatalf("unexpected rejection: %#v", r.Err)
		}
		rejected = append(rejected, r.Index)
	}
	if diff := cmp.Diff([]int{1, 3}, rejected); diff != "" {
		t.Fatalf("rejected rows mismatch (-want +got):\n%s", diff)
	}
	if res.Summary.Assembled != 2 || res.Summary.Invalid != 2 {
		t.Fatalf("unexpected summary: %#v", res.Summary)
	}
}

func TestAssemble_GeneratedFactIDIsStable(t *testing.T) {
	t.Parallel()

	spec := claimSpec()
	spec.IDColumn = ""
	row := core.Row{"desynpuf_id": "P1", "clm_from_dt": date(2009, 5, 1), "payment_amount": "1", core.ColBatchID: "x"}
	a, _ := assemble.Assemble(core.Batch{Rows: []core.Row{row}}, spec, map[string]*assemble.Index{"beneficiary": beneficiaryIndex()})
	row2 := row.Clone()
	row2[core.ColBatchID] = "y"
	b, _ := assemble.Assemble(core.Batch{Rows: []core.Row{row2}}, spec, map[string]*assemble.Index{"beneficiary": beneficiaryIndex()})
	if a.Facts[0].FactID == "" || a.Facts[0].FactID != b.Facts[0].FactID {
		t.Fatalf("fact id must ignore audit columns: %q vs %q", a.Facts[0].FactID, b.Facts[0].FactID)
	}
}

func TestAssemble_RejectsBadSpec(t *testing.T) {
	t.Parallel()

	if _, err := assemble.Assemble(core.Batch{}, assemble.FactSpec{Name: "x"}, nil); err == nil {
		t.Fatalf("expected error for missing event date column")
	}
}

func TestFactsToBatchAndGroups(t *testing.T) {
	t.Parallel()

	spec := claimSpec()
	facts := []assemble.Fact{
		{FactID: "C1", EventDate: date(2009, 5, 1), Keys: map[string]string{"beneficiary": "sk1"},
			Measures: map[string]decimal.Decimal{"payment_amount": decimal.NewFromInt(5)}, Attributes: map[string]any{"claim_type": "carrier"}},
		{FactID: "C2", EventDate: date(2009, 6, 1), Keys: map[string]string{"beneficiary": "sk1"},
			Measures: map[string]decimal.Decimal{"payment_amount": decimal.NewFromInt(7)}, Attributes: map[string]any{"claim_type": "inpatient"}},
	}
	b := assemble.FactsToBatch(core.BatchMeta{Entity: "claims"}, spec, facts)
	if diff := cmp.Diff([]string{"fact_id", "event_date", "beneficiary_key", "payment_amount", "claim_type"}, b.Columns); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
	if b.Rows[1]["beneficiary_key"] != "sk1" {
		t.Fatalf("unexpected row: %#v", b.Rows[1])
	}

	groups := assemble.Aggregate(facts, spec, "beneficiary")
	if len(groups) != 1 || groups[0].Key != "sk1" || groups[0].Count != 2 || !groups[0].Sums["payment_amount"].Equal(decimal.NewFromInt(12)) {
		t.Fatalf("unexpected groups: %#v", groups)
	}
	gb := assemble.GroupsToBatch(core.BatchMeta{}, spec, "beneficiary", groups)
	if gb.Rows[0]["fact_count"] != int64(2) {
		t.Fatalf("unexpected group row: %#v", gb.Rows[0])
	}
}
