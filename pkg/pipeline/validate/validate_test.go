package validate_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/validate"
)

var claimContract = schema.DatasetContract{
	Entity:  "inpatient",
	Layer:   schema.LayerRaw,
	Version: 1,
	Fields: []schema.Field{
		{Name: "clm_id", Type: schema.TypeString},
		{Name: "clm_from_dt", Type: schema.TypeDate},
		{Name: "clm_pmt_amt", Type: schema.TypeDecimal, Nullable: true},
		{Name: "clm_utlztn_day_cnt", Type: schema.TypeInt, Nullable: true},
		{Name: "is_paid", Type: schema.TypeBoolean, Nullable: true},
	},
}

func row(kv ...string) core.Row {
	r := core.Row{}
	for i := 0; i+1 < len(kv); i += 2 {
		r[kv[i]] = kv[i+1]
	}
	return r
}

func TestValidate_TypedAcceptedRows(t *testing.T) {
	t.Parallel()

	batch := core.Batch{Meta: core.BatchMeta{BatchID: "b1"}, Rows: []core.Row{
		row("clm_id", "C1", "clm_from_dt", "20090104", "clm_pmt_amt", "$1,250.50", "clm_utlztn_day_cnt", "3", "is_paid", "Y"),
		row("clm_id", "C2", "clm_from_dt", "2009-02-01", "clm_pmt_amt", "", "clm_utlztn_day_cnt", "", "is_paid", ""),
	}}

	res, err := validate.Validate(batch, claimContract, validate.Options{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(res.Rejected) != 0 {
		t.Fatalf("unexpected rejections: %#v", res.Rejected)
	}
	if res.Accepted.Len() != 2 {
		t.Fatalf("accepted=%d want=2", res.Accepted.Len())
	}

	first := res.Accepted.Rows[0]
	if d, ok := first["clm_from_dt"].(time.Time); !ok || !d.Equal(time.Date(2009, 1, 4, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("clm_from_dt=%#v", first["clm_from_dt"])
	}
	if amt, ok := first["clm_pmt_amt"].(decimal.Decimal); !ok || !amt.Equal(decimal.RequireFromString("1250.50")) {
		t.Fatalf("clm_pmt_amt=%#v", first["clm_pmt_amt"])
	}
	if n, ok := first["clm_utlztn_day_cnt"].(int64); !ok || n != 3 {
		t.Fatalf("clm_utlztn_day_cnt=%#v", first["clm_utlztn_day_cnt"])
	}
	if b, ok := first["is_paid"].(bool); !ok || !b {
		t.Fatalf("is_paid=%#v", first["is_paid"])
	}

	second := res.Accepted.Rows[1]
	if second["clm_pmt_amt"] != nil || second["is_paid"] != nil {
		t.Fatalf("nullable empties must become nil: %#v", second)
	}
}

func TestValidate_Rejections(t *testing.T) {
	t.Parallel()

	full := func(overrides ...string) core.Row {
		r := row("clm_id", "C1", "clm_from_dt", "20090104", "clm_pmt_amt", "1", "clm_utlztn_day_cnt", "1", "is_paid", "n")
		for i := 0; i+1 < len(overrides); i += 2 {
			r[overrides[i]] = overrides[i+1]
		}
		return r
	}
	missing := full()
	delete(missing, "clm_from_dt")

	tests := []struct {
		name   string
		row    core.Row
		kind   core.ErrorKind
		column string
	}{
		{name: "missing column", row: missing, kind: core.KindMissingColumn, column: "clm_from_dt"},
		{name: "bad date", row: full("clm_from_dt", "not-a-date"), kind: core.KindTypeCastFailure, column: "clm_from_dt"},
		{name: "bad decimal", row: full("clm_pmt_amt", "12abc"), kind: core.KindTypeCastFailure, column: "clm_pmt_amt"},
		{name: "fractional int", row: full("clm_utlztn_day_cnt", "1.5"), kind: core.KindTypeCastFailure, column: "clm_utlztn_day_cnt"},
		{name: "int overflow", row: full("clm_utlztn_day_cnt", "9223372036854775808"), kind: core.KindTypeCastFailure, column: "clm_utlztn_day_cnt"},
		{name: "required empty", row: full("clm_id", "  "), kind: core.KindTypeCastFailure, column: "clm_id"},
		{name: "unexpected column", row: full("surprise", "x"), kind: core.KindUnexpectedColumn, column: "surprise"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch := core.Batch{Meta: core.BatchMeta{BatchID: "b7"}, Rows: []core.Row{full(), tt.row}}
			res, err := validate.Validate(batch, claimContract, validate.Options{KeyColumn: "clm_id"})
			if err != nil {
				t.Fatalf("Validate failed: %v", err)
			}
			if res.Accepted.Len() != 1 || len(res.Rejected) != 1 {
				t.Fatalf("accepted=%d rejected=%d", res.Accepted.Len(), len(res.Rejected))
			}
			rej := res.Rejected[0]
			if rej.Index != 1 || rej.Err.Row != 1 || rej.Err.BatchID != "b7" {
				t.Fatalf("unexpected rejection position: %#v", rej.Err)
			}
			if rej.Err.Kind != tt.kind || rej.Err.Column != tt.column {
				t.Fatalf("kind=%q column=%q want kind=%q column=%q", rej.Err.Kind, rej.Err.Column, tt.kind, tt.column)
			}
		})
	}
}

func TestValidate_AuditColumnsPassThrough(t *testing.T) {
	t.Parallel()

	r := row("clm_id", "C1", "clm_from_dt", "20090104", "clm_pmt_amt", "", "clm_utlztn_day_cnt", "", "is_paid", "")
	r[core.ColBatchID] = "b0"
	res, err := validate.Validate(core.Batch{Rows: []core.Row{r}}, claimContract, validate.Options{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Accepted.Len() != 1 || res.Accepted.Rows[0][core.ColBatchID] != "b0" {
		t.Fatalf("audit column must survive validation: %#v", res.Accepted.Rows)
	}
}

func TestValidate_DropUnexpectedAndCritical(t *testing.T) {
	t.Parallel()

	r := row("clm_id", "C1", "clm_from_dt", "20090104", "clm_pmt_amt", "", "clm_utlztn_day_cnt", "", "is_paid", "", "extra", "x")
	res, err := validate.Validate(core.Batch{Rows: []core.Row{r}}, claimContract, validate.Options{
		DropUnexpected:  true,
		CriticalColumns: []string{"clm_pmt_amt"},
	})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(res.Rejected) != 1 || res.Rejected[0].Err.Column != "clm_pmt_amt" {
		t.Fatalf("critical nullable column must reject: %#v", res.Rejected)
	}
}

func TestCheckThreshold(t *testing.T) {
	t.Parallel()

	res := validate.Result{Total: 4, Rejected: make([]validate.Rejection, 2)}
	if got := res.Ratio(); got != 0.5 {
		t.Fatalf("Ratio()=%v want=0.5", got)
	}
	if err := validate.CheckThreshold(res, 0.5); err != nil {
		t.Fatalf("ratio equal to threshold must pass: %v", err)
	}
	err := validate.CheckThreshold(res, 0.25)
	var se *core.StageError
	if !errors.As(err, &se) || se.Kind != core.KindThresholdExceeded {
		t.Fatalf("expected ThresholdExceeded, got %v", err)
	}
	if err := validate.CheckThreshold(validate.Result{}, 0.01); err != nil {
		t.Fatalf("empty batch must pass: %v", err)
	}
}

func TestCheckMinRows(t *testing.T) {
	t.Parallel()

	b := core.Batch{Rows: []core.Row{{}, {}}}
	if err := validate.CheckMinRows(b, 2); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if kind, _ := core.KindOf(validate.CheckMinRows(b, 3)); kind != core.KindThresholdExceeded {
		t.Fatalf("kind=%q want ThresholdExceeded", kind)
	}
}

func TestCast(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		typ     schema.SemanticType
		want    any
		wantErr bool
	}{
		{name: "accounting negative", in: "(12.50)", typ: schema.TypeDecimal, want: decimal.RequireFromString("-12.5")},
		{name: "int with separator", in: "1,234", typ: schema.TypeInt, want: int64(1234)},
		{name: "int from 12.0", in: "12.0", typ: schema.TypeInt, want: int64(12)},
		{name: "typed float to int", in: 7.0, typ: schema.TypeInt, want: int64(7)},
		{name: "int max", in: "9223372036854775807", typ: schema.TypeInt, want: int64(math.MaxInt64)},
		{name: "int min", in: "-9223372036854775808", typ: schema.TypeInt, want: int64(math.MinInt64)},
		{name: "int overflow", in: "9223372036854775808", typ: schema.TypeInt, wantErr: true},
		{name: "int exponent overflow", in: "1e30", typ: schema.TypeInt, wantErr: true},
		{name: "int whole decimal overflow", in: "99999999999999999999.0", typ: schema.TypeInt, wantErr: true},
		{name: "typed float overflow", in: 1e30, typ: schema.TypeInt, wantErr: true},
		{name: "typed float infinity", in: math.Inf(1), typ: schema.TypeInt, wantErr: true},
		{name: "typed decimal overflow", in: decimal.RequireFromString("1e19"), typ: schema.TypeInt, wantErr: true},
		{name: "typed decimal whole", in: decimal.RequireFromString("42.00"), typ: schema.TypeInt, want: int64(42)},
		{name: "us date", in: "01/31/2010", typ: schema.TypeDate, want: time.Date(2010, 1, 31, 0, 0, 0, 0, time.UTC)},
		{name: "rfc3339 date", in: "2010-01-31T00:00:00Z", typ: schema.TypeDate, want: time.Date(2010, 1, 31, 0, 0, 0, 0, time.UTC)},
		{name: "timestamp", in: "2010-01-31 10:30:00", typ: schema.TypeTimestamp, want: time.Date(2010, 1, 31, 10, 30, 0, 0, time.UTC)},
		{name: "excel wrapped string", in: `="00012"`, typ: schema.TypeString, want: "00012"},
		{name: "bool yes", in: "YES", typ: schema.TypeBoolean, want: true},
		{name: "bool junk", in: "maybe", typ: schema.TypeBoolean, wantErr: true},
		{name: "typed mismatch", in: true, typ: schema.TypeDate, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := validate.Cast(tt.in, tt.typ)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch w := tt.want.(type) {
			case decimal.Decimal:
				if d, ok := got.(decimal.Decimal); !ok || !d.Equal(w) {
					t.Fatalf("got %#v want %s", got, w)
				}
			case time.Time:
				if ts, ok := got.(time.Time); !ok || !ts.Equal(w) {
					t.Fatalf("got %#v want %s", got, w)
				}
			default:
				if got != tt.want {
					t.Fatalf("got %#v want %#v", got, tt.want)
				}
			}
		})
	}
}
