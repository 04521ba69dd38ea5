// Package cms is the CMS DE-SynPUF claims domain: the embedded pipeline plan and dataset
// contracts, the bronze-to-silver standardization of each extract and the derived silver tables.
package cms

import (
	_ "embed"
	"fmt"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/plan"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// Entity names.
const (
	Beneficiary  = "beneficiary"
	Inpatient    = "inpatient"
	Outpatient   = "outpatient"
	Carrier      = "carrier"
	Prescription = "prescription"

	ClaimsUnified = "claims_unified"
	Diagnosis     = "diagnosis"
)

// Group names.
const (
	GroupMembers  = "members"
	GroupClaims   = "claims"
	GroupPharmacy = "pharmacy"
)

//go:embed plan.yaml
var planYAML []byte

//go:embed contracts.yaml
var contractsYAML []byte

// Plan returns the warehouse plan.
func Plan() (*plan.Plan, error) {
	p, err := plan.Parse(planYAML)
	if err != nil {
		return nil, fmt.Errorf("cms plan: %w", err)
	}
	return p, nil
}

// Registry returns the embedded raw and silver contracts.
func Registry() (*schema.Registry, error) {
	contracts, err := schema.ParseContracts(contractsYAML)
	if err != nil {
		return nil, fmt.Errorf("cms contracts: %w", err)
	}
	return schema.NewRegistry(contracts...)
}

// PlanYAML returns the embedded plan document, for `warehouse plan` style dumps.
func PlanYAML() []byte { return append([]byte(nil), planYAML...) }
