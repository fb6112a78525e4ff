package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// JSONMap is a map[string]any column stored as a JSON text blob. It keeps the
// free-form extension data (device data, connection options, job params and
// result envelopes) queryable as plain text on both SQLite and PostgreSQL
// without depending on a native JSON column type.
type JSONMap map[string]any

// Value implements driver.Valuer. A nil map is stored as "{}" so reads never
// have to distinguish NULL from empty.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("db: JSONMap marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: JSONMap.Scan: expected string or []byte, got %T", value)
	}

	if len(data) == 0 {
		*m = JSONMap{}
		return nil
	}
	if err := json.Unmarshal(data, m); err != nil {
		return fmt.Errorf("db: JSONMap unmarshal: %w", err)
	}
	return nil
}

// StringList is a []string column stored as a JSON array. Used for job target
// lists and backup schedule device lists.
type StringList []string

// Value implements driver.Valuer. A nil slice is stored as "[]".
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal(l)
	if err != nil {
		return nil, fmt.Errorf("db: StringList marshal: %w", err)
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = StringList{}
		return nil
	}

	var data []byte
	switch v := value.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("db: StringList.Scan: expected string or []byte, got %T", value)
	}

	if len(data) == 0 {
		*l = StringList{}
		return nil
	}
	if err := json.Unmarshal(data, l); err != nil {
		return fmt.Errorf("db: StringList unmarshal: %w", err)
	}
	return nil
}
