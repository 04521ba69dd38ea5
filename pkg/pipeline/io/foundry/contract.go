package foundryio

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// ContractFromMetadataJSON translates Foundry dataset metadata or a getSchema response into a
// contract. Entity and Layer are left for the caller; Version comes from a numeric versionId when
// the document has one.
func ContractFromMetadataJSON(raw []byte) (schema.DatasetContract, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return schema.DatasetContract{}, fmt.Errorf("parse metadata json: %w", err)
	}

	fields, err := extractFields(doc)
	if err != nil {
		return schema.DatasetContract{}, err
	}
	if len(fields) == 0 {
		return schema.DatasetContract{}, fmt.Errorf("metadata missing schema fields")
	}

	return schema.DatasetContract{
		Mode:    schema.NormalizeMode(extractMode(doc)),
		Version: extractVersion(doc),
		Fields:  fields,
	}, nil
}

func extractFields(doc map[string]any) ([]schema.Field, error) {
	paths := [][]string{
		{"schema", "fieldSchemaList"},
		{"schema", "fields"},
		{"schema", "columns"},
		{"fieldSchemaList"},
		{"fields"},
	}
	for _, path := range paths {
		nodes := getPath(doc, path)
		if len(nodes) == 0 {
			continue
		}
		fields := make([]schema.Field, 0, len(nodes))
		for _, n := range nodes {
			m, ok := n.(map[string]any)
			if !ok {
				continue
			}
			name := strings.ToLower(strings.TrimSpace(firstString(m, "name", "fieldName")))
			typeName := strings.TrimSpace(firstString(m, "type", "baseType"))
			if name == "" || typeName == "" {
				continue
			}
			typ, err := schema.ParseSemanticType(typeName)
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", name, err)
			}
			nullable, _ := m["nullable"].(bool)
			fields = append(fields, schema.Field{Name: name, Type: typ, Nullable: nullable})
		}
		if len(fields) > 0 {
			return fields, nil
		}
	}
	return nil, nil
}

func extractMode(doc map[string]any) string {
	classify := func(v string) string {
		if strings.Contains(strings.ToLower(v), "stream") {
			return "stream"
		}
		return "batch"
	}
	if v := strings.TrimSpace(firstString(doc, "datasetMode", "mode", "datasetType")); v != "" {
		return classify(v)
	}
	if b, ok := doc["streamingDataset"].(bool); ok && b {
		return "stream"
	}
	if m, ok := doc["dataset"].(map[string]any); ok {
		if v := strings.TrimSpace(firstString(m, "mode", "datasetMode", "type")); v != "" {
			return classify(v)
		}
	}
	return "batch"
}

func extractVersion(doc map[string]any) int {
	switch v := doc["versionId"].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			s, _ := v.(string)
			if strings.TrimSpace(s) != "" {
				return s
			}
		}
	}
	return ""
}

func getPath(doc map[string]any, path []string) []any {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		next, ok := m[p]
		if !ok {
			return nil
		}
		cur = next
	}
	out, _ := cur.([]any)
	return out
}
