package consumer

import (
	"context"
	"testing"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/mockfoundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	foundryio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/validate"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/worker"
)

func TestPublicPackagesCompile(t *testing.T) {
	t.Parallel()

	_ = foundry.Env{}

	srv := mockfoundry.New(t.TempDir(), t.TempDir())
	if srv.Handler() == nil {
		t.Fatalf("handler must not be nil")
	}

	_, err := worker.ProcessAll(context.Background(), []string{"x"}, func(_ context.Context, in string) (string, error) {
		return in, nil
	}, worker.Options{Workers: 1})
	if err != nil {
		t.Fatalf("ProcessAll failed: %v", err)
	}

	contract, err := foundryio.ContractFromMetadataJSON([]byte(`{"datasetType":"DATASET","schema":{"fieldSchemaList":[{"name":"desynpuf_id","type":"STRING","nullable":false},{"name":"clm_pmt_amt","type":"DECIMAL","nullable":true}]}}`))
	if err != nil {
		t.Fatalf("ContractFromMetadataJSON failed: %v", err)
	}
	contract.Layer, contract.Entity = schema.LayerBronze, "inpatient"

	res, err := validate.Validate(core.Batch{Rows: []core.Row{
		{"desynpuf_id": "00013D2EFD8E45D1", "clm_pmt_amt": "4000.00"},
		{"desynpuf_id": "", "clm_pmt_amt": "12"},
	}}, contract, validate.Options{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if res.Accepted.Len() != 1 || len(res.Rejected) != 1 {
		t.Fatalf("accepted=%d rejected=%d", res.Accepted.Len(), len(res.Rejected))
	}
}
