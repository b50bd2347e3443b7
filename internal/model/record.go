package model

import (
	"fmt"
	"strconv"
)

// Record is one row of a Flux query result.
type Record struct {
	// Name given to the result with yield().
	Result string
	Value  any
	Values map[string]any
}

// String returns the column as a string, or "" when it is missing.
func (r Record) String(column string) string {
	v, ok := r.Values[column]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Float converts the record value to float64.
func (r Record) Float() (float64, bool) {
	switch v := r.Value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
