package cms

import (
	"strconv"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
)

// unifiedColumns are the claim columns shared by every claim type.
var unifiedColumns = []string{
	"desynpuf_id", "clm_id", "clm_from_dt", "clm_thru_dt", "claim_type", "claim_duration_days",
	"claim_year", "claim_month", "claim_quarter", "payment_amount", "is_high_cost",
}

var diagnosisTableColumns = []string{"desynpuf_id", "clm_id", "clm_from_dt", "diagnosis_code", "diagnosis_sequence"}

// Derive builds the claims group's derived silver tables: claims_unified across the three claim
// types and diagnosis, one row per inpatient diagnosis code. Other groups derive nothing.
func Derive(group string, silver map[string]core.Batch) (map[string]core.Batch, error) {
	if group != GroupClaims {
		return nil, nil
	}
	out := make(map[string]core.Batch, 2)

	var unified []core.Row
	found := false
	for _, entity := range []string{Inpatient, Outpatient, Carrier} {
		b, ok := silver[entity]
		if !ok {
			continue
		}
		found = true
		for _, r := range b.Rows {
			u := newRow(r, unifiedColumns...)
			u["claim_key"] = text(r["claim_type"]) + ":" + text(r["clm_id"])
			unified = append(unified, u)
		}
	}
	if found {
		out[ClaimsUnified] = core.Batch{Columns: append([]string{"claim_key"}, unifiedColumns...), Rows: unified}
	}

	if b, ok := silver[Inpatient]; ok {
		out[Diagnosis] = core.Batch{Columns: diagnosisTableColumns, Rows: unpivotDiagnoses(b.Rows)}
	}
	return out, nil
}

// unpivotDiagnoses emits one row per non-empty icd9_dgns_cd_N, sequenced by N.
func unpivotDiagnoses(rows []core.Row) []core.Row {
	cols := diagnosisColumns(rows)
	var out []core.Row
	for _, col := range cols {
		seq, _ := strconv.Atoi(strings.TrimPrefix(col, diagnosisPrefix))
		for _, r := range rows {
			code := text(r[col])
			if code == "" {
				continue
			}
			d := newRow(r, "desynpuf_id", "clm_id", "clm_from_dt")
			d["diagnosis_code"] = code
			d["diagnosis_sequence"] = int64(seq)
			out = append(out, d)
		}
	}
	return out
}
