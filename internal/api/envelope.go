package api

import (
	"bytes"
	"encoding/json"
)

// Envelope is the backend response wrapper {"data": ..., "meta": ...}.
//
// Some endpoints answer {"value": ...} or the bare payload instead. Decoding
// accepts all three so the shape ambiguity ends at this boundary.
type Envelope[T any] struct {
	Data T
	Meta json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope[T]) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &probe); err != nil {
			return err
		}
		for _, key := range []string{"value", "data"} {
			if raw, ok := probe[key]; ok {
				e.Meta = probe["meta"]
				return json.Unmarshal(raw, &e.Data)
			}
		}
	}
	return json.Unmarshal(trimmed, &e.Data)
}
