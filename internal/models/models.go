package models

import (
	"strconv"
	"strings"
)

// Metadata is the free-form key/value bag echoed back by the payment gateway.
// Values arrive as strings, but older clients sent bare numbers.
type Metadata map[string]interface{}

func (m Metadata) GetInt64(key string) (int64, bool) {
	if m == nil {
		return 0, false
	}
	val, ok := m[key]
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (m Metadata) GetString(key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return ""
	}
}

// Type returns the metadata "type" marker or "" when missing.
func (m Metadata) Type() string {
	return m.GetString("type")
}
