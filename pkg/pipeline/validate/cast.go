package validate

// cast.go turns raw extract cells into typed values.
//
// Extracts are messy: several date layouts (ISO, US, compact yyyyMMdd), currency symbols and
// thousands separators in numbers, accounting negatives and a handful of boolean spellings.
// Values that arrive already typed (from xlsx or a typed store) are accepted when compatible.

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/palantir/palantir-compute-module-claims-warehouse/pkg/pipeline/schema"
)

// errEmpty marks a null/empty cell; callers decide whether that is allowed.
var errEmpty = errors.New("empty value")

var numericRe = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

var dateLayouts = []string{
	"20060102",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"2006.01.02",
	"Jan 2, 2006",
	"2 Jan 2006",
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04",
	"01/02/2006 15:04:05",
}

// Cast converts v to the Go representation of t:
//
//	int       -> int64
//	decimal   -> decimal.Decimal
//	string    -> string (trimmed)
//	date      -> time.Time at UTC midnight
//	timestamp -> time.Time in UTC
//	boolean   -> bool
//
// A nil or blank value yields (nil, errEmpty).
func Cast(v any, t schema.SemanticType) (any, error) {
	if v == nil {
		return nil, errEmpty
	}
	if s, ok := v.(string); ok {
		s = cleanCell(s)
		if s == "" {
			return nil, errEmpty
		}
		return castString(s, t)
	}
	return castTyped(v, t)
}

func castString(s string, t schema.SemanticType) (any, error) {
	switch t {
	case schema.TypeString:
		return s, nil
	case schema.TypeInt:
		return parseInt(s)
	case schema.TypeDecimal:
		return parseDecimal(s)
	case schema.TypeDate:
		ts, err := parseDate(s)
		if err != nil {
			return nil, err
		}
		return ts, nil
	case schema.TypeTimestamp:
		return parseTimestamp(s)
	case schema.TypeBoolean:
		return parseBool(s)
	default:
		return nil, fmt.Errorf("unsupported semantic type %q", t)
	}
}

func castTyped(v any, t schema.SemanticType) (any, error) {
	switch t {
	case schema.TypeString:
		switch x := v.(type) {
		case fmt.Stringer:
			return strings.TrimSpace(x.String()), nil
		default:
			return strings.TrimSpace(fmt.Sprint(x)), nil
		}
	case schema.TypeInt:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case int32:
			return int64(x), nil
		case float64:
			if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
				return nil, fmt.Errorf("%v is not a whole number", x)
			}
			return wholeInt(decimal.NewFromFloat(x))
		case decimal.Decimal:
			return wholeInt(x)
		}
	case schema.TypeDecimal:
		switch x := v.(type) {
		case decimal.Decimal:
			return x, nil
		case int64:
			return decimal.NewFromInt(x), nil
		case int:
			return decimal.NewFromInt(int64(x)), nil
		case float64:
			return decimal.NewFromFloat(x), nil
		}
	case schema.TypeDate:
		if x, ok := v.(time.Time); ok {
			y, m, d := x.UTC().Date()
			return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
		}
	case schema.TypeTimestamp:
		if x, ok := v.(time.Time); ok {
			return x.UTC(), nil
		}
	case schema.TypeBoolean:
		if x, ok := v.(bool); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("cannot cast %T to %s", v, t)
}

var (
	minInt64 = decimal.NewFromInt(math.MinInt64)
	maxInt64 = decimal.NewFromInt(math.MaxInt64)
)

// wholeInt converts d when it is a whole number inside the int64 range.
func wholeInt(d decimal.Decimal) (int64, error) {
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%s is not a whole number", d)
	}
	if d.LessThan(minInt64) || d.GreaterThan(maxInt64) {
		return 0, fmt.Errorf("%s is out of the int64 range", d)
	}
	return d.IntPart(), nil
}

func parseInt(s string) (int64, error) {
	clean := strings.ReplaceAll(s, ",", "")
	n, err := strconv.ParseInt(clean, 10, 64)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return 0, fmt.Errorf("%q is out of the int64 range", s)
	}
	// "12.0" is a common spreadsheet artifact.
	d, derr := decimal.NewFromString(clean)
	if derr != nil {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	n, err = wholeInt(d)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer: %w", s, err)
	}
	return n, nil
}

func parseDecimal(s string) (decimal.Decimal, error) {
	raw := s
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	s = strings.NewReplacer("$", "", "€", "", "£", "", ",", "").Replace(s)
	s = strings.TrimSpace(s)
	if negative {
		s = "-" + s
	}
	if !numericRe.MatchString(s) {
		return decimal.Decimal{}, fmt.Errorf("%q is not a number", raw)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%q is not a number: %w", raw, err)
	}
	return d, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if t, err := parseTimestamp(s); err == nil {
		y, m, d := t.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%q is not a recognized date", s)
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q is not a recognized timestamp", s)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "1":
		return true, nil
	case "false", "f", "no", "n", "0":
		return false, nil
	default:
		return false, fmt.Errorf("%q is not a boolean", s)
	}
}

// cleanCell strips whitespace, Excel formula wrappers (="...") and surrounding quotes.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) {
		s = s[2 : len(s)-1]
	}
	s = strings.Trim(s, `"'`)
	return strings.TrimSpace(s)
}
