// Package codec converts typed scalar column values to and from
// JSON-friendly values.
//
// Wire encodings:
//
//	Date      [y, m, d]
//	DateTime  [y, m, d, H, M, S, µs]
//	Time      [H, M, S, µs]
//	Binary    standard base64 string
//	Numeric   decimal string
//	others    pass-through
//
// Decode(Encode(v)) == v for every supported value and for nil.
package codec

import (
	"encoding/base64"
	"fmt"
	"math"
	"time"
)

// Type is the declared scalar type of a tracked column.
type Type int

const (
	Integer Type = iota
	Float
	Text
	Boolean
	Date
	DateTime
	Time
	Binary
	Numeric
)

var typeNames = map[string]Type{
	"integer":  Integer,
	"float":    Float,
	"text":     Text,
	"boolean":  Boolean,
	"date":     Date,
	"datetime": DateTime,
	"time":     Time,
	"binary":   Binary,
	"numeric":  Numeric,
	"decimal":  Numeric,
}

// ParseType maps a schema type name to a Type.
func ParseType(name string) (Type, error) {
	t, ok := typeNames[name]
	if !ok {
		return 0, fmt.Errorf("unknown column type %q", name)
	}
	return t, nil
}

func (t Type) String() string {
	for name, tt := range typeNames {
		if tt == t && name != "decimal" {
			return name
		}
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// Encode converts a canonical Go value into a JSON-friendly value.
// Canonical values are int64, float64, string, bool, []byte and
// time.Time; nil passes through for every type.
func Encode(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Date:
		tv, err := timeValue(t, v)
		if err != nil {
			return nil, err
		}
		return []int64{int64(tv.Year()), int64(tv.Month()), int64(tv.Day())}, nil
	case DateTime:
		tv, err := timeValue(t, v)
		if err != nil {
			return nil, err
		}
		return []int64{int64(tv.Year()), int64(tv.Month()), int64(tv.Day()),
			int64(tv.Hour()), int64(tv.Minute()), int64(tv.Second()),
			int64(tv.Nanosecond() / 1000)}, nil
	case Time:
		tv, err := timeValue(t, v)
		if err != nil {
			return nil, err
		}
		return []int64{int64(tv.Hour()), int64(tv.Minute()), int64(tv.Second()),
			int64(tv.Nanosecond() / 1000)}, nil
	case Binary:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("binary value must be []byte, got %T", v)
		}
		return base64.StdEncoding.EncodeToString(b), nil
	default:
		return v, nil
	}
}

// Decode converts a JSON-decoded value back into its canonical Go value.
func Decode(t Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case Integer:
		return toInt64(v)
	case Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case int:
			return float64(n), nil
		}
		return nil, fmt.Errorf("float value must be a number, got %T", v)
	case Boolean:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("boolean value must be a bool, got %T", v)
		}
		return b, nil
	case Text, Numeric:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s value must be a string, got %T", t, v)
		}
		return s, nil
	case Date:
		parts, err := intParts(v, 3)
		if err != nil {
			return nil, err
		}
		return time.Date(int(parts[0]), time.Month(parts[1]), int(parts[2]),
			0, 0, 0, 0, time.UTC), nil
	case DateTime:
		parts, err := intParts(v, 7)
		if err != nil {
			return nil, err
		}
		return time.Date(int(parts[0]), time.Month(parts[1]), int(parts[2]),
			int(parts[3]), int(parts[4]), int(parts[5]),
			int(parts[6])*1000, time.UTC), nil
	case Time:
		parts, err := intParts(v, 4)
		if err != nil {
			return nil, err
		}
		return time.Date(1, time.January, 1,
			int(parts[0]), int(parts[1]), int(parts[2]),
			int(parts[3])*1000, time.UTC), nil
	case Binary:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("binary value must be a base64 string, got %T", v)
		}
		return base64.StdEncoding.DecodeString(s)
	default:
		return v, nil
	}
}

func timeValue(t Type, v any) (time.Time, error) {
	tv, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("%s value must be a time.Time, got %T", t, v)
	}
	return tv, nil
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("integer value has a fraction: %v", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("integer value must be a number, got %T", v)
}

// intParts normalizes a JSON array of numbers to a fixed-size int64 slice.
func intParts(v any, n int) ([]int64, error) {
	var raw []any
	switch arr := v.(type) {
	case []any:
		raw = arr
	case []int64:
		if len(arr) != n {
			return nil, fmt.Errorf("expected %d components, got %d", n, len(arr))
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("expected an array of %d numbers, got %T", n, v)
	}
	if len(raw) != n {
		return nil, fmt.Errorf("expected %d components, got %d", n, len(raw))
	}
	out := make([]int64, n)
	for i, e := range raw {
		iv, err := toInt64(e)
		if err != nil {
			return nil, fmt.Errorf("component %d: %w", i, err)
		}
		out[i] = iv
	}
	return out, nil
}
