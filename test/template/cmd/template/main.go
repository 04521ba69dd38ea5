package main

import (
	"fmt"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/core"
	"github.com/palantir/palantir-compute-module-claims-warehouse/test/template/processor"
)

func main() {
	out, err := processor.Standardizer{}.Standardize("provider", core.Batch{Rows: []core.Row{{"provider_code": "0400ab"}}})
	if err != nil {
		panic(err)
	}
	fmt.Println(out.Rows[0]["provider_code"])
}
