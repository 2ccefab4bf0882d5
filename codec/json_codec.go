package codec

import (
	"bytes"
	"encoding/json"
)

// JSONCodec uses Go's standard library encoding/json for serialization.
// Encoding a json.RawMessage or a nil value passes through unchanged.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	switch raw := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return raw, nil
	}
	return json.Marshal(v)
}

// Decode unmarshals data into v. Empty data leaves v untouched.
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || v == nil {
		return nil
	}
	return json.Unmarshal(data, v)
}
