package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/warehouse/postgres"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

var eventDate = time.Date(2008, 3, 14, 0, 0, 0, 0, time.UTC)

func factBatch() core.Batch {
	return core.Batch{
		Columns: []string{"fact_id", "event_date", "beneficiary_key", "payment_amount", "claim_year", "is_high_cost", "prvdr_num"},
		Rows: []core.Row{
			{
				"fact_id": "f1", "event_date": eventDate, "beneficiary_key": "k1",
				"payment_amount": decimal.RequireFromString("12500.50"), "claim_year": int64(2008),
				"is_high_cost": true, "prvdr_num": nil,
			},
			{
				"fact_id": "f2", "event_date": eventDate, "beneficiary_key": "k2",
				"payment_amount": decimal.RequireFromString("40"), "claim_year": int64(2008),
				"is_high_cost": false, "prvdr_num": "2600GD",
			},
		},
	}
}

func TestColumns_InfersTypes(t *testing.T) {
	t.Parallel()

	got := postgres.Columns(factBatch())
	want := []postgres.Column{
		{Name: "fact_id", Type: "text"},
		{Name: "event_date", Type: "timestamptz"},
		{Name: "beneficiary_key", Type: "text"},
		{Name: "payment_amount", Type: "numeric"},
		{Name: "claim_year", Type: "bigint"},
		{Name: "is_high_cost", Type: "boolean"},
		{Name: "prvdr_num", Type: "text"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("columns mismatch (-want +got):\n%s", diff)
	}
}

func TestValues_ConvertsDecimalsAndNulls(t *testing.T) {
	t.Parallel()

	b := factBatch()
	rows, err := postgres.Values(b, postgres.Columns(b))
	if err != nil {
		t.Fatalf("Values: %v", err)
	}
	if len(rows) != 2 || len(rows[0]) != 7 {
		t.Fatalf("shape %dx%d", len(rows), len(rows[0]))
	}
	n, ok := rows[0][3].(pgtype.Numeric)
	if !ok || !n.Valid || n.Int.Int64() != 1250050 || n.Exp != -2 {
		t.Fatalf("payment_amount=%#v", rows[0][3])
	}
	if rows[0][6] != nil {
		t.Fatalf("nil prvdr_num became %#v", rows[0][6])
	}
	if rows[1][6] != "2600GD" || rows[0][1] != eventDate || rows[0][5] != true {
		t.Fatalf("row values: %#v", rows)
	}
}

func TestValues_RejectsMixedColumnTypes(t *testing.T) {
	t.Parallel()

	b := core.Batch{Columns: []string{"total_cost"}, Rows: []core.Row{
		{"total_cost": decimal.NewFromInt(3)},
		{"total_cost": "not a number"},
	}}
	_, err := postgres.Values(b, postgres.Columns(b))
	if err == nil || !strings.Contains(err.Error(), "row 1 column total_cost") {
		t.Fatalf("err=%v", err)
	}
}

func TestReplaceTableSQL(t *testing.T) {
	t.Parallel()

	got := postgres.ReplaceTableSQL("warehouse", "fact_claims", []postgres.Column{
		{Name: "fact_id", Type: "text"},
		{Name: "payment_amount", Type: "numeric"},
	})
	want := []string{
		`CREATE SCHEMA IF NOT EXISTS "warehouse"`,
		`DROP TABLE IF EXISTS "warehouse"."fact_claims"`,
		`CREATE TABLE "warehouse"."fact_claims" ("fact_id" text, "payment_amount" numeric)`,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sql mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_RejectsBadURL(t *testing.T) {
	t.Parallel()

	if _, err := postgres.Open(context.Background(), "postgres://%zz", 2); err == nil {
		t.Fatalf("expected parse error")
	}
}
