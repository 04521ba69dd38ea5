package foundryio_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	foundryio "github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/io/foundry"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	b, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("read fixture %s: %v", name, err)
	}
	return b
}

func TestContractFromMetadataJSON_GetSchemaResponse(t *testing.T) {
	t.Parallel()

	contract, err := foundryio.ContractFromMetadataJSON(loadFixture(t, "beneficiary_schema.json"))
	if err != nil {
		t.Fatalf("ContractFromMetadataJSON failed: %v", err)
	}
	if contract.Mode != schema.DatasetModeBatch || contract.Version != 2 {
		t.Fatalf("mode=%q version=%d", contract.Mode, contract.Version)
	}
	want := []schema.Field{
		{Name: "desynpuf_id", Type: schema.TypeString},
		{Name: "bene_birth_dt", Type: schema.TypeDate, Nullable: true},
		{Name: "bene_sex_ident_cd", Type: schema.TypeInt, Nullable: true},
		{Name: "medreimb_ip", Type: schema.TypeDecimal, Nullable: true},
	}
	if diff := cmp.Diff(want, contract.Fields); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}
}

func TestContractFromMetadataJSON_StreamDataset(t *testing.T) {
	t.Parallel()

	contract, err := foundryio.ContractFromMetadataJSON(loadFixture(t, "notification_stream_metadata.json"))
	if err != nil {
		t.Fatalf("ContractFromMetadataJSON failed: %v", err)
	}
	if contract.Mode != schema.DatasetModeStream {
		t.Fatalf("mode=%q want=stream", contract.Mode)
	}
	if len(contract.Fields) != 2 {
		t.Fatalf("fields len=%d want=2", len(contract.Fields))
	}
}

func TestContractFromMetadataJSON_IgnoresTransportMetadata(t *testing.T) {
	t.Parallel()

	a, err := foundryio.ContractFromMetadataJSON(loadFixture(t, "beneficiary_schema.json"))
	if err != nil {
		t.Fatalf("parse fixture A: %v", err)
	}
	b, err := foundryio.ContractFromMetadataJSON(loadFixture(t, "beneficiary_metadata_variant.json"))
	if err != nil {
		t.Fatalf("parse fixture B: %v", err)
	}
	if a.Mode != b.Mode {
		t.Fatalf("mode mismatch: %q vs %q", a.Mode, b.Mode)
	}
	if diff := cmp.Diff(a.Fields, b.Fields); diff != "" {
		t.Fatalf("fields mismatch (-a +b):\n%s", diff)
	}
}

func TestContractFromMetadataJSON_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  []byte
	}{
		{name: "not json", raw: []byte("{")},
		{name: "no fields", raw: []byte(`{"schema":{}}`)},
		{name: "unsupported type", raw: loadFixture(t, "unsupported_type_metadata.json")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := foundryio.ContractFromMetadataJSON(tt.raw); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
