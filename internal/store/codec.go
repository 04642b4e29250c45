package store

import (
	"encoding/json"
	"fmt"
)

// Fields is the arbitrary key/value payload of a record. Values may be
// scalars or nested objects; everything round-trips through the JSON codec
// below, so the storage layer never special-cases field shapes.
type Fields map[string]any

// Record is a generic table row: a stable id plus an opaque payload.
// CreatedAt and UpdatedAt are epoch milliseconds.
type Record struct {
	ID        string
	Fields    Fields
	CreatedAt int64
	UpdatedAt int64
}

// encodeFields serializes a record payload to the TEXT column encoding.
// A nil map encodes as the empty object so the column stays NOT NULL.
func encodeFields(f Fields) (string, error) {
	if f == nil {
		return "{}", nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return "", fmt.Errorf("encode record payload: %w", err)
	}
	return string(data), nil
}

// decodeFields deserializes the TEXT column encoding back to a payload map.
func decodeFields(s string) (Fields, error) {
	if s == "" {
		return Fields{}, nil
	}
	var f Fields
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, fmt.Errorf("decode record payload: %w", err)
	}
	if f == nil {
		f = Fields{}
	}
	return f, nil
}
