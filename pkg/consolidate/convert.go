package consolidate

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/garimpo-io/garimpo/pkg/errors"
)

var dateLayouts = []string{
	"02/01/2006",
	"2006-01-02",
}

var timestampLayouts = []string{
	time.RFC3339,
	"02/01/2006 15:04:05",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"2006-01-02",
}

// ParseBrazilianFloat converts Brazilian-formatted numbers ("1.234.567,89")
// to float64. Numbers without a decimal comma are read as plain floats, so
// already-normalized values pass through unchanged.
func ParseBrazilianFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New(errors.ErrorTypeParse, "empty number")
	}
	switch {
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	case groupedThousands(s):
		s = strings.ReplaceAll(s, ".", "")
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errors.Newf(errors.ErrorTypeParse, "not a number: %q", s)
	}
	return f, nil
}

// groupedThousands reports whether s is a dot-grouped integer such as
// "1.234.567". Brazilian sources write decimals with a comma, so dots in a
// comma-less number are thousand separators.
func groupedThousands(s string) bool {
	parts := strings.Split(strings.TrimPrefix(s, "-"), ".")
	if len(parts) < 2 || len(parts[0]) == 0 || len(parts[0]) > 3 {
		return false
	}
	for i, p := range parts {
		if i > 0 && len(p) != 3 {
			return false
		}
		for _, c := range p {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}

// ParseDate reads dd/mm/yyyy or ISO dates into a UTC midnight time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeParse, "not a date: %q", s)
}

// ParseTimestamp reads RFC3339 and the dd/mm/yyyy hh:mm:ss forms the
// upstream feeds use.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf(errors.ErrorTypeParse, "not a timestamp: %q", s)
}

// CanonicalCNPJ normalizes a Brazilian corporate tax id to the
// NN.NNN.NNN/NNNN-NN display form. Formatting characters are ignored and
// leading zeros lost to numeric handling upstream are restored, so every
// rendition of one issuer maps to the same key.
func CanonicalCNPJ(s string) (string, error) {
	var digits []byte
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) == 0 || len(digits) > 14 {
		return "", errors.Newf(errors.ErrorTypeParse, "not a CNPJ: %q", s)
	}
	for len(digits) < 14 {
		digits = append([]byte{'0'}, digits...)
	}
	d := string(digits)
	return d[0:2] + "." + d[2:5] + "." + d[5:8] + "/" + d[8:12] + "-" + d[12:14], nil
}

// coerce converts a raw parsed value to the field's canonical type. A nil
// value, an empty string or a NaN all count as absent.
func coerce(f Field, v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		s = strings.TrimSpace(s)
		if s == "" {
			v = nil
		} else {
			v = s
		}
	}
	if fl, ok := v.(float64); ok && math.IsNaN(fl) {
		v = nil
	}
	if v == nil {
		return nil, nil
	}

	switch f.Type {
	case FieldTypeString:
		return coerceString(v)

	case FieldTypeInt:
		return coerceInt(v)

	case FieldTypeFloat:
		return coerceFloat(v)

	case FieldTypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, errors.Newf(errors.ErrorTypeParse, "not a bool: %q", x)
			}
			return b, nil
		}

	case FieldTypeDate:
		switch x := v.(type) {
		case time.Time:
			return x.UTC().Truncate(24 * time.Hour), nil
		case string:
			return ParseDate(x)
		}

	case FieldTypeTimestamp:
		switch x := v.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return ParseTimestamp(x)
		}

	case FieldTypeCNPJ:
		s, err := coerceString(v)
		if err != nil {
			return nil, err
		}
		return CanonicalCNPJ(s)

	case FieldTypeEnum:
		s, err := coerceString(v)
		if err != nil {
			return nil, err
		}
		for _, allowed := range f.Values {
			if s == allowed {
				return s, nil
			}
		}
		return nil, errors.Newf(errors.ErrorTypeParse, "value %q outside enum %v", s, f.Values)
	}
	return nil, errors.Newf(errors.ErrorTypeParse, "cannot coerce %T to %s", v, f.Type)
}

func coerceString(v interface{}) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	}
	return fmt.Sprintf("%v", v), nil
}

func coerceInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, errors.Newf(errors.ErrorTypeParse, "not an integer: %v", x)
		}
		return int64(x), nil
	case string:
		f, err := ParseBrazilianFloat(x)
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) {
			return 0, errors.Newf(errors.ErrorTypeParse, "not an integer: %q", x)
		}
		return int64(f), nil
	}
	return 0, errors.Newf(errors.ErrorTypeParse, "cannot coerce %T to int", v)
}

func coerceFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case string:
		return ParseBrazilianFloat(x)
	}
	return 0, errors.Newf(errors.ErrorTypeParse, "cannot coerce %T to float", v)
}

// keyString renders a coerced value in its canonical key form. Key joins
// and same-rank conflict resolution both rely on this representation.
func keyString(v interface{}) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case time.Time:
		return x.Format("2006-01-02")
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	}
	return fmt.Sprintf("%v", v)
}
