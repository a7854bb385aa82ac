package storage

import (
	"fmt"
	"strconv"
	"time"

	"github.com/centraldb/dbsync/internal/codec"
)

const (
	dateLayout     = "2006-01-02"
	timeLayout     = "15:04:05.999999"
	dateTimeLayout = "2006-01-02 15:04:05.999999"
)

// bindValue converts a canonical Go value into a driver argument.
// Temporal values are stored as text in fixed layouts so that SQLite and
// MySQL round-trip identically.
func bindValue(t codec.Type, v any) any {
	if v == nil {
		return nil
	}
	switch t {
	case codec.Date:
		if tv, ok := v.(time.Time); ok {
			return tv.Format(dateLayout)
		}
	case codec.Time:
		if tv, ok := v.(time.Time); ok {
			return tv.Format(timeLayout)
		}
	case codec.DateTime:
		if tv, ok := v.(time.Time); ok {
			return tv.Format(dateTimeLayout)
		}
	case codec.Boolean:
		if b, ok := v.(bool); ok {
			if b {
				return int64(1)
			}
			return int64(0)
		}
	}
	return v
}

// normalizeValue converts a scanned driver value into its canonical Go
// value for the declared column type.
func normalizeValue(t codec.Type, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case codec.Integer:
		switch n := v.(type) {
		case int64:
			return n, nil
		case []byte:
			return strconv.ParseInt(string(n), 10, 64)
		case string:
			return strconv.ParseInt(n, 10, 64)
		}
	case codec.Float:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		case []byte:
			return strconv.ParseFloat(string(n), 64)
		}
	case codec.Text, codec.Numeric:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case int64:
			return strconv.FormatInt(s, 10), nil
		case float64:
			return strconv.FormatFloat(s, 'f', -1, 64), nil
		}
	case codec.Boolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case []byte:
			return string(b) == "1" || string(b) == "true", nil
		}
	case codec.Date:
		return parseStored(v, dateLayout)
	case codec.Time:
		return parseStored(v, timeLayout)
	case codec.DateTime:
		return parseStored(v, dateTimeLayout)
	case codec.Binary:
		switch b := v.(type) {
		case []byte:
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		case string:
			return []byte(b), nil
		}
	}
	return nil, fmt.Errorf("cannot normalize %T as %s", v, t)
}

func parseStored(v any, layout string) (any, error) {
	switch tv := v.(type) {
	case time.Time:
		return tv.UTC(), nil
	case string:
		return time.ParseInLocation(layout, tv, time.UTC)
	case []byte:
		return time.ParseInLocation(layout, string(tv), time.UTC)
	}
	return nil, fmt.Errorf("cannot parse %T as temporal value", v)
}
