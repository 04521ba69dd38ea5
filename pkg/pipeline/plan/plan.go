// Package plan loads the pipeline definition: which entities exist, how they group, how each is
// deduplicated and merged, and which gold fact tables are assembled from them.
package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/assemble"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/dedup"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/scd"
	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

type Kind string

const (
	// KindDimension entities are versioned with SCD-2 in silver.
	KindDimension Kind = "dimension"
	// KindEvent entities are append-only and feed fact tables.
	KindEvent Kind = "event"
)

// Duration decodes Go duration strings ("720h") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if strings.TrimSpace(raw) == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

type Dedup struct {
	Mode    dedup.Mode `yaml:"mode" validate:"omitempty,oneof=exact logical"`
	Window  Duration   `yaml:"window"`
	Compare []string   `yaml:"compare"`
}

type Entity struct {
	Name        string   `yaml:"name" validate:"required"`
	Kind        Kind     `yaml:"kind" validate:"required,oneof=dimension event"`
	BusinessKey string   `yaml:"business_key" validate:"required_if=Kind dimension"`
	ObservedAt  string   `yaml:"observed_at" validate:"required_if=Kind dimension"`
	Tracked     []string `yaml:"tracked"`
	Dedup       Dedup    `yaml:"dedup"`
	// CriticalColumns must never be null, whatever the contract says.
	CriticalColumns []string `yaml:"critical_columns"`
	MinRows         int      `yaml:"min_rows" validate:"gte=0"`
	// DropUnexpected discards extract columns the contract does not declare instead of
	// rejecting the row.
	DropUnexpected bool `yaml:"drop_unexpected"`
}

// Fact is a gold fact table assembled from one silver entity.
type Fact struct {
	Source            string `yaml:"source" validate:"required"`
	assemble.FactSpec `yaml:",inline"`
}

type Group struct {
	Name      string   `yaml:"name" validate:"required"`
	DependsOn []string `yaml:"depends_on"`
	Entities  []Entity `yaml:"entities" validate:"dive"`
	// Derived lists silver tables produced by the group's derive hook rather than read from bronze.
	Derived []string `yaml:"derived"`
	Facts   []Fact   `yaml:"facts" validate:"dive"`
}

type Plan struct {
	Name   string  `yaml:"name" validate:"required"`
	Source string  `yaml:"source" validate:"required"`
	Groups []Group `yaml:"groups" validate:"required,min=1,dive"`
}

var validate = validator.New()

// Parse decodes and validates a plan. Unknown YAML fields are errors.
func Parse(b []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func Load(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Validate applies struct tags, then the cross references tags cannot express.
func (p *Plan) Validate() error {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid plan: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid plan: %w", err)
	}

	var errs []error
	groups := map[string]*Group{}
	owner := map[string]string{}
	for i := range p.Groups {
		g := &p.Groups[i]
		if _, dup := groups[g.Name]; dup {
			errs = append(errs, fmt.Errorf("group %q: defined twice", g.Name))
		}
		groups[g.Name] = g
		names := append([]string(nil), g.Derived...)
		for _, e := range g.Entities {
			names = append(names, e.Name)
			if e.Dedup.Mode == dedup.ModeLogical && (e.BusinessKey == "" || e.ObservedAt == "") {
				errs = append(errs, fmt.Errorf("entity %q: logical dedup needs business_key and observed_at", e.Name))
			}
		}
		for _, n := range names {
			if prev, dup := owner[n]; dup {
				errs = append(errs, fmt.Errorf("entity %q: defined in groups %q and %q", n, prev, g.Name))
				continue
			}
			owner[n] = g.Name
		}
	}
	for _, g := range p.Groups {
		for _, d := range g.DependsOn {
			if _, ok := groups[d]; !ok {
				errs = append(errs, fmt.Errorf("group %q: depends on unknown group %q", g.Name, d))
			}
		}
	}
	if len(errs) == 0 {
		if _, err := p.Order(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, g := range p.Groups {
		dims := map[string]bool{}
		for _, d := range p.Dimensions(g.Name) {
			dims[d.Name] = true
		}
		for _, f := range g.Facts {
			if owner[f.Source] != g.Name {
				errs = append(errs, fmt.Errorf("fact %q: source %q is not an entity of group %q", f.Name, f.Source, g.Name))
			}
			if f.Name == "" {
				errs = append(errs, fmt.Errorf("fact from %q: name is required", f.Source))
			}
			for _, r := range f.References {
				if !dims[r.Dimension] {
					errs = append(errs, fmt.Errorf("fact %q: dimension %q is not reachable from group %q", f.Name, r.Dimension, g.Name))
				}
			}
		}
	}
	return errors.Join(errs...)
}

func (p *Plan) Group(name string) (Group, bool) {
	for _, g := range p.Groups {
		if g.Name == name {
			return g, true
		}
	}
	return Group{}, false
}

// GroupNames returns group names in declaration order.
func (p *Plan) GroupNames() []string {
	out := make([]string, len(p.Groups))
	for i, g := range p.Groups {
		out[i] = g.Name
	}
	return out
}

// Dimensions returns the dimension entities visible to a group: its own plus those of every
// group it depends on, transitively.
func (p *Plan) Dimensions(group string) []Entity {
	seen := map[string]bool{}
	var out []Entity
	var walk func(string)
	walk = func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		g, ok := p.Group(name)
		if !ok {
			return
		}
		for _, e := range g.Entities {
			if e.Kind == KindDimension {
				out = append(out, e)
			}
		}
		for _, d := range g.DependsOn {
			walk(d)
		}
	}
	walk(group)
	sort.SliceStable(out, func(a, b int) bool { return out[a].Name < out[b].Name })
	return out
}

// Dataset is one layer/entity table the plan reads or writes.
type Dataset struct {
	Layer  schema.Layer
	Entity string
}

// Datasets lists every table a full run touches, group by group: raw, bronze and silver per
// entity, silver history per dimension, derived silver tables, then the gold dimension, fact and
// aggregate tables.
func (p *Plan) Datasets() []Dataset {
	var out []Dataset
	seen := map[Dataset]bool{}
	add := func(layer schema.Layer, entity string) {
		d := Dataset{Layer: layer, Entity: entity}
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	for _, g := range p.Groups {
		for _, e := range g.Entities {
			add(schema.LayerRaw, e.Name)
			add(schema.LayerBronze, e.Name)
			add(schema.LayerSilver, e.Name)
			if e.Kind == KindDimension {
				add(schema.LayerSilver, scd.HistoryEntity(e.Name))
			}
		}
		for _, d := range g.Derived {
			add(schema.LayerSilver, d)
		}
		for _, e := range g.Entities {
			if e.Kind == KindDimension {
				add(schema.LayerGold, assemble.DimensionTable(e.Name))
			}
		}
		for _, f := range g.Facts {
			add(schema.LayerGold, f.Name)
			for _, gb := range f.GroupBy {
				add(schema.LayerGold, assemble.AggregateTable(f.Name, gb))
			}
		}
	}
	return out
}

// Order returns groups in dependency waves: every group appears after the groups it depends on,
// and groups within a wave are independent of each other.
func (p *Plan) Order() ([][]string, error) {
	remaining := map[string][]string{}
	for _, g := range p.Groups {
		remaining[g.Name] = g.DependsOn
	}
	done := map[string]bool{}
	var waves [][]string
	for len(remaining) > 0 {
		var wave []string
		for _, g := range p.Groups {
			deps, ok := remaining[g.Name]
			if !ok {
				continue
			}
			ready := true
			for _, d := range deps {
				if !done[d] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, g.Name)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for n := range remaining {
				stuck = append(stuck, n)
			}
			sort.Strings(stuck)
			return nil, fmt.Errorf("group dependency cycle among %s", strings.Join(stuck, ", "))
		}
		for _, n := range wave {
			done[n] = true
			delete(remaining, n)
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// DedupOptions translates an entity's dedup block for the deduplicator.
func (e Entity) DedupOptions() dedup.Options {
	opts := dedup.Options{
		Mode:           e.Dedup.Mode,
		CompareColumns: e.Dedup.Compare,
		Window:         time.Duration(e.Dedup.Window),
		ObservedColumn: e.ObservedAt,
	}
	if e.BusinessKey != "" {
		opts.KeyColumns = []string{e.BusinessKey}
	}
	return opts
}
