package cms_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/palantir/palantir-compute-module-claims-warehouse/internal/cms"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/controller"
	localio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/local"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// writeExtract writes a DE-SynPUF style CSV (upper-case header, extra columns) and ingests it.
func writeExtract(t *testing.T, store *localio.Store, entity string, header []string, rows [][]string) {
	t.Helper()
	var b strings.Builder
	b.WriteString(strings.Join(header, ",") + "\n")
	for _, r := range rows {
		b.WriteString(strings.Join(r, ",") + "\n")
	}
	path := filepath.Join(t.TempDir(), "DE1_0_"+entity+".csv")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Ingest(context.Background(), entity, path, "", time.Date(2007, 12, 31, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("ingest %s: %v", entity, err)
	}
}

func seedExtracts(t *testing.T, store *localio.Store) {
	t.Helper()
	var bene [][]string
	for i := 0; i < 100; i++ {
		bene = append(bene, []string{
			fmt.Sprintf("P%03d", i), "19400115", "", fmt.Sprint(1 + i%2), fmt.Sprint(1 + i%5), "0", "26", "950", "12",
			"1", "2", "2", "2", "2", "2", "1", "2", "2", "2", "2",
		})
	}
	writeExtract(t, store, cms.Beneficiary, []string{
		"DESYNPUF_ID", "BENE_BIRTH_DT", "BENE_DEATH_DT", "BENE_SEX_IDENT_CD", "BENE_RACE_CD", "BENE_ESRD_IND",
		"SP_STATE_CODE", "BENE_COUNTY_CD", "BENE_HI_CVRAGE_TOT_MONS",
		"SP_ALZHDMTA", "SP_CHF", "SP_CHRNKIDN", "SP_CNCR", "SP_COPD", "SP_DEPRESSN", "SP_DIABETES",
		"SP_ISCHMCHT", "SP_OSTEOPRS", "SP_RA_OA", "SP_STRKETIA",
	}, bene)

	claimHeader := func(withPmt bool, diags int) []string {
		h := []string{"DESYNPUF_ID", "CLM_ID", "SEGMENT", "CLM_FROM_DT", "CLM_THRU_DT", "PRVDR_NUM"}
		if withPmt {
			h = append(h, "CLM_PMT_AMT", "NCH_PRMRY_PYR_CLM_PD_AMT")
		}
		for i := 1; i <= diags; i++ {
			h = append(h, fmt.Sprintf("ICD9_DGNS_CD_%d", i))
		}
		return h
	}
	claims := func(prefix string, n int, diags int, withPmt bool) [][]string {
		var out [][]string
		for i := 0; i < n; i++ {
			r := []string{fmt.Sprintf("P%03d", i%100), fmt.Sprintf("%s%04d", prefix, i), "1", "20080301", "20080303", "0400GB"}
			if withPmt {
				amt := "500.00"
				if i%10 == 0 {
					amt = "15000.00"
				}
				r = append(r, amt, "0")
			}
			for d := 1; d <= diags; d++ {
				code := ""
				if d == 1 {
					code = "4019"
				}
				r = append(r, code)
			}
			out = append(out, r)
		}
		return out
	}
	writeExtract(t, store, cms.Inpatient, claimHeader(true, 10), claims("I", 50, 10, true))
	outHeader := claimHeader(true, 10)
	outHeader = append(outHeader[:7], outHeader[8:]...)
	outRows := claims("O", 50, 10, true)
	for i := range outRows {
		outRows[i] = append(outRows[i][:7], outRows[i][8:]...)
	}
	writeExtract(t, store, cms.Outpatient, outHeader, outRows)

	var carrier [][]string
	for i := 0; i < 100; i++ {
		carrier = append(carrier, []string{fmt.Sprintf("P%03d", i), fmt.Sprintf("C%04d", i), "20080401", "20080401", "7231", "1234567890", "40.00"})
	}
	writeExtract(t, store, cms.Carrier, []string{"DESYNPUF_ID", "CLM_ID", "CLM_FROM_DT", "CLM_THRU_DT", "ICD9_DGNS_CD_1", "PRF_PHYSN_NPI", "LINE_NCH_PMT_AMT_1"}, carrier)

	var rx [][]string
	for i := 0; i < 50; i++ {
		rx = append(rx, []string{fmt.Sprintf("P%03d", i), fmt.Sprintf("RX%04d", i), "20080510", "00093", "30", "30", "45.00", "5.00"})
	}
	writeExtract(t, store, cms.Prescription, []string{"DESYNPUF_ID", "PDE_ID", "SRVC_DT", "PROD_SRVC_ID", "QTY_DSPNSD_NUM", "DAYS_SUPLY_NUM", "TOT_RX_CST_AMT", "PTNT_PAY_AMT"}, rx)
}

func TestWarehouse_EndToEnd(t *testing.T) {
	t.Parallel()

	store, err := localio.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	seedExtracts(t, store)

	p, err := cms.Plan()
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	reg, err := cms.Registry()
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	asOf := time.Date(2008, 1, 1, 12, 0, 0, 0, time.UTC)
	ctrl, err := controller.New(p, store, reg, controller.Config{
		Workers:            2,
		IOTimeout:          10 * time.Second,
		RejectionThreshold: 0.05,
		ReferentialCap:     0,
		Now:                func() time.Time { return asOf },
	},
		controller.WithStandardizer(cms.Standardizer{}),
		controller.WithDeriver(controller.DeriverFunc(cms.Derive)),
		controller.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		t.Fatalf("controller.New: %v", err)
	}

	reports, err := ctrl.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(reports) != 9 {
		t.Fatalf("reports=%d want 9", len(reports))
	}
	for _, r := range reports {
		if r.Failed() {
			t.Fatalf("%s/%s failed: %s %s", r.Layer, r.Group, r.FailureKind, r.FailureText)
		}
	}

	ctx := context.Background()
	tests := []struct {
		layer  schema.Layer
		entity string
		rows   int
	}{
		{schema.LayerBronze, cms.Beneficiary, 100},
		{schema.LayerSilver, cms.ClaimsUnified, 200},
		{schema.LayerSilver, cms.Diagnosis, 50},
		{schema.LayerGold, "fact_claims", 200},
		{schema.LayerGold, "fact_prescriptions", 50},
		{schema.LayerGold, "fact_claims_by_claim_type", 3},
		{schema.LayerGold, "dim_beneficiary", 100},
	}
	for _, tt := range tests {
		key, ok, err := store.Latest(ctx, tt.layer, tt.entity)
		if err != nil || !ok {
			t.Fatalf("%s/%s: ok=%v err=%v", tt.layer, tt.entity, ok, err)
		}
		b, err := store.Read(ctx, key)
		if err != nil {
			t.Fatalf("read %s: %v", key.Path(), err)
		}
		if b.Len() != tt.rows {
			t.Errorf("%s/%s rows=%d want %d", tt.layer, tt.entity, b.Len(), tt.rows)
		}
	}

	key, _, _ := store.Latest(ctx, schema.LayerBronze, cms.Beneficiary)
	bronze, _ := store.Read(ctx, key)
	for _, c := range bronze.Columns {
		if c == "bene_hi_cvrage_tot_mons" {
			t.Fatalf("undeclared extract column reached bronze")
		}
	}
}
