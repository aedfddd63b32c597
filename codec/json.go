package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// Event records and snapshots carry their own JSON field names, so this
// codec is stable across processes and languages — the browser UI consumes
// it directly.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }
