package cms

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/validate"
)

// HighCostThreshold is the payment amount above which a claim is flagged high cost.
var HighCostThreshold = decimal.NewFromInt(10000)

// ChronicConditionColumns are the beneficiary summary flags counted into chronic_condition_count.
var ChronicConditionColumns = []string{
	"sp_alzhdmta", "sp_chf", "sp_chrnkidn", "sp_cncr", "sp_copd", "sp_depressn",
	"sp_diabetes", "sp_ischmcht", "sp_osteoprs", "sp_ra_oa", "sp_strketia",
}

var genderLabels = map[string]string{"1": "Male", "2": "Female"}

var raceLabels = map[string]string{"1": "White", "2": "Black", "3": "Other", "5": "Hispanic"}

const diagnosisPrefix = "icd9_dgns_cd_"

// Standardizer reshapes bronze CMS batches into their silver form. Values it cannot parse are
// passed through untouched so silver validation rejects the row with the offending column.
type Standardizer struct{}

// Standardize implements the controller's standardization hook. Entities without a silver
// shape of their own pass through unchanged.
func (Standardizer) Standardize(entity string, batch core.Batch) (core.Batch, error) {
	var fn func(core.Row) core.Row
	switch entity {
	case Beneficiary:
		fn = standardizeBeneficiary
	case Inpatient, Outpatient, Carrier:
		fn = func(r core.Row) core.Row { return standardizeClaim(entity, r) }
	case Prescription:
		fn = standardizePrescription
	default:
		return batch, nil
	}
	rows := make([]core.Row, len(batch.Rows))
	for i, r := range batch.Rows {
		rows[i] = fn(r)
	}
	out := batch.WithRows(rows)
	out.Columns = nil
	return out, nil
}

func standardizeBeneficiary(in core.Row) core.Row {
	out := newRow(in, "desynpuf_id", "bene_esrd_ind", "sp_state_code", "bene_county_cd")

	birth, birthOK := dateOf(in["bene_birth_dt"])
	out["bene_birth_dt"] = orRaw(birth, birthOK, in["bene_birth_dt"])
	death, deathOK := dateOf(in["bene_death_dt"])
	switch {
	case deathOK:
		out["bene_death_dt"] = death
	case isBlank(in["bene_death_dt"]):
		out["bene_death_dt"] = nil
	default:
		out["bene_death_dt"] = in["bene_death_dt"]
	}
	out["is_deceased"] = deathOK

	observed, observedOK := timestampOf(in[core.ColIngestedAt])
	out["observed_at"] = orRaw(observed, observedOK, in[core.ColIngestedAt])
	if birthOK && observedOK {
		out["age"] = ageAt(birth, observed)
	} else {
		out["age"] = nil
	}

	out["gender"] = label(genderLabels, in["bene_sex_ident_cd"])
	out["race"] = label(raceLabels, in["bene_race_cd"])

	var chronic int64
	for _, c := range ChronicConditionColumns {
		if text(in[c]) == "1" {
			chronic++
		}
	}
	out["chronic_condition_count"] = chronic
	return out
}

func standardizeClaim(claimType string, in core.Row) core.Row {
	out := newRow(in, "desynpuf_id", "clm_id", "prvdr_num")
	if _, ok := in["prvdr_num"]; !ok {
		out["prvdr_num"] = nil
	}
	for k, v := range in {
		if strings.HasPrefix(k, diagnosisPrefix) {
			out[k] = v
		}
	}
	out["claim_type"] = claimType

	from, fromOK := dateOf(in["clm_from_dt"])
	thru, thruOK := dateOf(in["clm_thru_dt"])
	out["clm_from_dt"] = orRaw(from, fromOK, in["clm_from_dt"])
	out["clm_thru_dt"] = orRaw(thru, thruOK, in["clm_thru_dt"])
	if fromOK && thruOK {
		out["claim_duration_days"] = int64(thru.Sub(from).Hours()/24) + 1
	} else {
		out["claim_duration_days"] = nil
	}
	if fromOK {
		out["claim_year"] = int64(from.Year())
		out["claim_month"] = int64(from.Month())
		out["claim_quarter"] = int64((int(from.Month())-1)/3 + 1)
	} else {
		out["claim_year"], out["claim_month"], out["claim_quarter"] = nil, nil, nil
	}

	amount, ok := decimalOf(in["clm_pmt_amt"])
	switch {
	case ok:
		out["payment_amount"] = amount
	case isBlank(in["clm_pmt_amt"]):
		amount = decimal.Zero
		out["payment_amount"] = amount
	default:
		out["payment_amount"] = in["clm_pmt_amt"]
	}
	out["is_high_cost"] = amount.GreaterThan(HighCostThreshold)
	return out
}

func standardizePrescription(in core.Row) core.Row {
	out := newRow(in, "desynpuf_id", "pde_id", "prod_srvc_id")

	served, servedOK := dateOf(in["srvc_dt"])
	out["srvc_dt"] = orRaw(served, servedOK, in["srvc_dt"])
	if servedOK {
		out["prescription_year"] = int64(served.Year())
		out["prescription_month"] = int64(served.Month())
	} else {
		out["prescription_year"], out["prescription_month"] = nil, nil
	}

	qty, qtyOK := decimalOf(in["qty_dspnsd_num"])
	out["qty_dispensed"] = orRaw(qty.Truncate(0).IntPart(), qtyOK, in["qty_dspnsd_num"])
	days, daysOK := decimalOf(in["days_suply_num"])
	out["days_supply"] = orRaw(days.Truncate(0).IntPart(), daysOK, in["days_suply_num"])
	total, totalOK := decimalOf(in["tot_rx_cst_amt"])
	out["total_cost"] = orRaw(total, totalOK, in["tot_rx_cst_amt"])

	pay, payOK := decimalOf(in["ptnt_pay_amt"])
	switch {
	case payOK:
		out["patient_pay"] = pay
	case isBlank(in["ptnt_pay_amt"]):
		out["patient_pay"] = decimal.Zero
	default:
		out["patient_pay"] = in["ptnt_pay_amt"]
	}

	perDay := decimal.Zero
	if whole := days.Truncate(0); daysOK && totalOK && whole.IsPositive() && total.IsPositive() {
		perDay = total.DivRound(whole, 4)
	}
	out["cost_per_day"] = perDay
	return out
}

// newRow starts a silver row with the audit columns and the named pass-through columns.
func newRow(in core.Row, passthrough ...string) core.Row {
	out := make(core.Row, len(in))
	for k, v := range in {
		if core.IsAuditColumn(k) {
			out[k] = v
		}
	}
	for _, c := range passthrough {
		if v, ok := in[c]; ok {
			out[c] = v
		}
	}
	return out
}

// ageAt is whole years between birth and at, counted in 365.25-day years.
func ageAt(birth, at time.Time) int64 {
	days := at.Sub(birth).Hours() / 24
	return int64(math.Floor(days / 365.25))
}

func label(labels map[string]string, v any) string {
	if l, ok := labels[text(v)]; ok {
		return l
	}
	return "Unknown"
}

func orRaw[T any](v T, ok bool, raw any) any {
	if ok {
		return v
	}
	return raw
}

func dateOf(v any) (time.Time, bool) {
	t, err := validate.Cast(v, schema.TypeDate)
	if err != nil {
		return time.Time{}, false
	}
	return t.(time.Time), true
}

func timestampOf(v any) (time.Time, bool) {
	t, err := validate.Cast(v, schema.TypeTimestamp)
	if err != nil {
		return time.Time{}, false
	}
	return t.(time.Time), true
}

func decimalOf(v any) (decimal.Decimal, bool) {
	d, err := validate.Cast(v, schema.TypeDecimal)
	if err != nil {
		return decimal.Zero, false
	}
	return d.(decimal.Decimal), true
}

func text(v any) string { return strings.TrimSpace(core.FormatValue(v)) }

func isBlank(v any) bool { return text(v) == "" }

// diagnosisColumns returns the icd9_dgns_cd_N columns of a batch ordered by N.
func diagnosisColumns(rows []core.Row) []string {
	seen := map[string]int{}
	for _, r := range rows {
		for k := range r {
			if !strings.HasPrefix(k, diagnosisPrefix) {
				continue
			}
			if n, err := strconv.Atoi(strings.TrimPrefix(k, diagnosisPrefix)); err == nil && n > 0 {
				seen[k] = n
			}
		}
	}
	cols := make([]string, 0, len(seen))
	for c := range seen {
		cols = append(cols, c)
	}
	sort.Slice(cols, func(a, b int) bool { return seen[cols[a]] < seen[cols[b]] })
	return cols
}
