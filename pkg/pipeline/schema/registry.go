package schema

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrContractNotFound is returned when no contract is registered for a layer/entity pair.
var ErrContractNotFound = errors.New("contract not found")

type contractsDoc struct {
	Contracts []DatasetContract `yaml:"contracts"`
}

// ParseContracts decodes a YAML document of the form:
//
//	contracts:
//	  - entity: beneficiary
//	    layer: raw
//	    version: 1
//	    fields:
//	      - {name: desynpuf_id, type: string}
func ParseContracts(b []byte) ([]DatasetContract, error) {
	var doc contractsDoc
	if err := yaml.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse contracts YAML: %w", err)
	}
	for i := range doc.Contracts {
		if doc.Contracts[i].Mode == "" {
			doc.Contracts[i].Mode = DatasetModeBatch
		}
		if doc.Contracts[i].Version == 0 {
			doc.Contracts[i].Version = 1
		}
	}
	return doc.Contracts, nil
}

// Registry is an in-memory catalog of contracts keyed by layer and entity. It is safe for
// concurrent reads once constructed.
type Registry struct {
	byKey map[string]DatasetContract
}

// NewRegistry validates and indexes contracts. When the same layer/entity appears more than once,
// the highest version wins.
func NewRegistry(contracts ...DatasetContract) (*Registry, error) {
	r := &Registry{byKey: make(map[string]DatasetContract, len(contracts))}
	for _, c := range contracts {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, err := ParseLayer(string(c.Layer)); err != nil {
			return nil, fmt.Errorf("contract %s: %w", c.ID(), err)
		}
		k := registryKey(c.Layer, c.Entity)
		if prev, ok := r.byKey[k]; ok && prev.Version >= c.Version {
			continue
		}
		r.byKey[k] = c
	}
	return r, nil
}

// LoadRegistry reads every *.yaml file under dir in fsys.
func LoadRegistry(fsys fs.FS, dir string) (*Registry, error) {
	matches, err := fs.Glob(fsys, strings.TrimSuffix(dir, "/")+"/*.yaml")
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	var all []DatasetContract
	for _, m := range matches {
		b, err := fs.ReadFile(fsys, m)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", m, err)
		}
		cs, err := ParseContracts(b)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", m, err)
		}
		all = append(all, cs...)
	}
	return NewRegistry(all...)
}

// Contract implements the pipeline catalog lookup.
func (r *Registry) Contract(_ context.Context, layer Layer, entity string) (DatasetContract, error) {
	c, ok := r.byKey[registryKey(layer, entity)]
	if !ok {
		return DatasetContract{}, fmt.Errorf("%w: %s/%s", ErrContractNotFound, layer, entity)
	}
	return c, nil
}

// Entities returns the entity names registered for a layer, sorted.
func (r *Registry) Entities(layer Layer) []string {
	var out []string
	for _, c := range r.byKey {
		if c.Layer == layer {
			out = append(out, c.Entity)
		}
	}
	sort.Strings(out)
	return out
}

func registryKey(layer Layer, entity string) string {
	return string(layer) + "/" + strings.TrimSpace(entity)
}
