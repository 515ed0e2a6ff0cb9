package store

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Row one record as returned by a backend. Values arrive in whatever shape the
// backend produces (pq native types or decoded JSON), so read them through the accessors.
type Row map[string]any

// String returns the value at key rendered as a string.
func (r Row) String(key string) (string, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return "", false
	}
	switch val := v.(type) {
	case string:
		return val, true
	case []byte:
		return string(val), true
	case fmt.Stringer:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(val, 10), true
	case int:
		return strconv.Itoa(val), true
	case json.Number:
		return val.String(), true
	}
	return fmt.Sprintf("%v", v), true
}

// Float returns the numeric value at key. Numeric strings are accepted.
func (r Row) Float(key string) (float64, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return 0, false
	}
	return toFloat(v)
}

// Bool returns the boolean value at key.
func (r Row) Bool(key string) (bool, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return false, false
	}
	switch val := v.(type) {
	case bool:
		return val, true
	case string:
		b, err := strconv.ParseBool(val)
		return b, err == nil
	case []byte:
		b, err := strconv.ParseBool(string(val))
		return b, err == nil
	}
	return false, false
}

// Time returns the timestamp at key. RFC3339 strings (PostgREST) and time.Time (pq) are accepted.
func (r Row) Time(key string) (*time.Time, bool) {
	v, ok := r[key]
	if !ok || v == nil {
		return nil, false
	}
	t, ok := toTime(v)
	if !ok {
		return nil, false
	}
	return &t, true
}

// Clone shallow-copies the row.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int32:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(string(val), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func toTime(v any) (time.Time, bool) {
	switch val := v.(type) {
	case time.Time:
		return val, true
	case *time.Time:
		if val == nil {
			return time.Time{}, false
		}
		return *val, true
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, val); err == nil {
				return t, true
			}
		}
	case []byte:
		return toTime(string(val))
	}
	return time.Time{}, false
}
