package schema

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// DatasetMode captures behavior-relevant output semantics.
type DatasetMode string

const (
	DatasetModeBatch  DatasetMode = "batch"
	DatasetModeStream DatasetMode = "stream"
)

// Layer names a stage of refinement in the warehouse. Data only flows forward:
// raw -> bronze -> silver -> gold.
type Layer string

const (
	LayerRaw    Layer = "raw"
	LayerBronze Layer = "bronze"
	LayerSilver Layer = "silver"
	LayerGold   Layer = "gold"
)

// Layers lists the refined layers in dependency order.
var Layers = []Layer{LayerBronze, LayerSilver, LayerGold}

// ParseLayer accepts a layer name case-insensitively.
func ParseLayer(raw string) (Layer, error) {
	switch l := Layer(strings.ToLower(strings.TrimSpace(raw))); l {
	case LayerRaw, LayerBronze, LayerSilver, LayerGold:
		return l, nil
	default:
		return "", fmt.Errorf("unknown layer %q (expected raw|bronze|silver|gold)", raw)
	}
}

// Input returns the layer a refined layer reads from.
func (l Layer) Input() (Layer, bool) {
	switch l {
	case LayerBronze:
		return LayerRaw, true
	case LayerSilver:
		return LayerBronze, true
	case LayerGold:
		return LayerSilver, true
	default:
		return "", false
	}
}

// SemanticType is the logical type a column is cast to.
type SemanticType string

const (
	TypeInt       SemanticType = "int"
	TypeDecimal   SemanticType = "decimal"
	TypeString    SemanticType = "string"
	TypeDate      SemanticType = "date"
	TypeTimestamp SemanticType = "timestamp"
	TypeBoolean   SemanticType = "boolean"
)

// ParseSemanticType maps contract and catalog spellings (e.g. Foundry's LONG, DOUBLE) onto a
// semantic type.
func ParseSemanticType(raw string) (SemanticType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "INT", "INTEGER", "LONG", "BIGINT", "SHORT", "SMALLINT", "BYTE", "TINYINT":
		return TypeInt, nil
	case "DECIMAL", "NUMERIC", "DOUBLE", "FLOAT", "NUMBER":
		return TypeDecimal, nil
	case "STRING", "VARCHAR", "TEXT", "CHAR":
		return TypeString, nil
	case "DATE":
		return TypeDate, nil
	case "TIMESTAMP", "DATETIME":
		return TypeTimestamp, nil
	case "BOOL", "BOOLEAN":
		return TypeBoolean, nil
	default:
		return "", fmt.Errorf("unknown semantic type %q", raw)
	}
}

func (t *SemanticType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseSemanticType(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*t = parsed
	return nil
}

// Field is one column of a contract.
type Field struct {
	Name     string       `yaml:"name"`
	Type     SemanticType `yaml:"type"`
	Nullable bool         `yaml:"nullable"`
}

// DatasetContract is the explicit, versioned schema a dataset must satisfy. It is loaded before a
// run starts and treated as read-only for the duration of the run.
type DatasetContract struct {
	Entity  string      `yaml:"entity"`
	Layer   Layer       `yaml:"layer"`
	Version int         `yaml:"version"`
	Mode    DatasetMode `yaml:"mode"`
	Fields  []Field     `yaml:"fields"`
}

// ID returns a stable human-readable identifier, e.g. "silver/beneficiary@v2".
func (c DatasetContract) ID() string {
	return fmt.Sprintf("%s/%s@v%d", c.Layer, c.Entity, c.Version)
}

// Field looks up a column by name.
func (c DatasetContract) Field(name string) (Field, bool) {
	for _, f := range c.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Columns returns column names in contract order.
func (c DatasetContract) Columns() []string {
	out := make([]string, len(c.Fields))
	for i, f := range c.Fields {
		out[i] = f.Name
	}
	return out
}

// Validate checks the contract is well formed.
func (c DatasetContract) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Entity) == "" {
		errs = append(errs, errors.New("entity is required"))
	}
	if len(c.Fields) == 0 {
		errs = append(errs, errors.New("at least one field is required"))
	}
	seen := make(map[string]struct{}, len(c.Fields))
	for i, f := range c.Fields {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("field[%d]: name is required", i))
			continue
		}
		if strings.HasPrefix(name, "_") {
			errs = append(errs, fmt.Errorf("field %q: names starting with '_' are reserved for audit columns", name))
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("field %q: duplicate name", name))
		}
		seen[name] = struct{}{}
		if _, err := ParseSemanticType(string(f.Type)); err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", name, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("contract %s: %w", c.ID(), errors.Join(errs...))
	}
	return nil
}

func NormalizeMode(raw string) DatasetMode {
	s := strings.TrimSpace(strings.ToLower(raw))
	switch s {
	case "stream", "streaming":
		return DatasetModeStream
	default:
		return DatasetModeBatch
	}
}
