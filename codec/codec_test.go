package codec

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type payload struct {
	Data string `json:"data"`
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	original := &payload{Data: "test"}
	data, err := jsonCodec.Encode(original)
	if err != nil {
		t.Fatalf("JSONCodec Encode failed: %v", err)
	}
	if string(data) != `{"data":"test"}` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var decoded payload
	if err := jsonCodec.Decode(data, &decoded); err != nil {
		t.Fatalf("JSONCodec Decode failed: %v", err)
	}
	if diff := cmp.Diff(*original, decoded); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestDefaultIsJSON(t *testing.T) {
	if _, ok := Default().(*JSONCodec); !ok {
		t.Fatalf("expect *JSONCodec, got %T", Default())
	}
}

func TestJSONCodecPassThrough(t *testing.T) {
	c := Default()
	raw := json.RawMessage(`{"a":1}`)
	data, err := c.Encode(raw)
	if err != nil || string(data) != string(raw) {
		t.Fatalf("expect raw pass-through, got %s err=%v", data, err)
	}
	data, err = c.Encode(nil)
	if err != nil || data != nil {
		t.Fatalf("expect nil for nil value, got %q err=%v", data, err)
	}
}

func TestJSONCodecDecodeEmpty(t *testing.T) {
	p := payload{Data: "keep"}
	if err := Default().Decode(nil, &p); err != nil {
		t.Fatal(err)
	}
	if p.Data != "keep" {
		t.Fatalf("empty data should not touch the target, got %q", p.Data)
	}
	if err := Default().Decode([]byte("{"), &p); err == nil {
		t.Fatal("expect error for truncated JSON")
	}
}
