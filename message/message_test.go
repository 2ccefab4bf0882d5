package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"pipe-rpc/protocol"
)

const testID = "0b6f1f4e-6a55-4b0b-9d56-6c1f7f6c2a10"

func TestRequestRoundTrip(t *testing.T) {
	cases := []*Request{
		{ID: testID, Type: "echo", Body: []byte(`{"data":"test"}`)},
		{ID: testID, Type: "Arith.Add", Body: []byte(`{"a":1,"b":2}`)},
		{ID: testID, Type: "empty", Body: []byte{}},
		{Type: "log", Body: []byte(`[1,2,3]`), NoReply: true},
	}
	for _, want := range cases {
		data, err := EncodeRequest(want)
		if err != nil {
			t.Fatalf("EncodeRequest(%+v) failed: %v", want, err)
		}
		got, err := DecodeRequest(data)
		if err != nil {
			t.Fatalf("DecodeRequest(%q) failed: %v", data, err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestRequestLayout(t *testing.T) {
	data, err := EncodeRequest(&Request{ID: testID, Type: "echo", Body: []byte(`"x"`)})
	if err != nil {
		t.Fatal(err)
	}
	want := testID + "echo" + protocol.FieldSeparator + `"x"`
	if string(data) != want {
		t.Fatalf("expect %q, got %q", want, data)
	}

	data, err = EncodeRequest(&Request{Type: "echo", NoReply: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(data), protocol.NoReplySentinel+"echo") {
		t.Fatalf("expect sentinel prefix, got %q", data)
	}
}

func TestBodyMayContainSeparator(t *testing.T) {
	body := []byte(`"a` + protocol.FieldSeparator + `b"`)
	data, _ := EncodeRequest(&Request{ID: testID, Type: "echo", Body: body})
	got, err := DecodeRequest(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "echo" || string(got.Body) != string(body) {
		t.Fatalf("unexpected split: type=%q body=%q", got.Type, got.Body)
	}
}

func TestEncodeRequestRejects(t *testing.T) {
	cases := []struct {
		req  *Request
		want error
	}{
		{&Request{ID: testID, Type: ""}, ErrInvalidType},
		{&Request{ID: testID, Type: "a" + protocol.FieldSeparator + "b"}, ErrInvalidType},
		{&Request{ID: "short", Type: "echo"}, ErrInvalidID},
	}
	for _, tc := range cases {
		if _, err := EncodeRequest(tc.req); !errors.Is(err, tc.want) {
			t.Errorf("%+v: expect %v, got %v", tc.req, tc.want, err)
		}
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	for _, data := range []string{"", "too-short", testID, protocol.NoReplySentinel + protocol.FieldSeparator + "x"} {
		if _, err := DecodeRequest([]byte(data)); !errors.Is(err, ErrMalformedRequest) {
			t.Errorf("%q: expect ErrMalformedRequest, got %v", data, err)
		}
	}
}

func TestDecodeRequestWithoutSeparator(t *testing.T) {
	got, err := DecodeRequest([]byte(testID + "ping"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Type != "ping" || len(got.Body) != 0 {
		t.Fatalf("expect type ping with empty body, got %+v", got)
	}
}

func TestResponseRoundTrip(t *testing.T) {
	cases := []*Response{
		{ID: testID, Result: json.RawMessage(`{"data":"test"}`)},
		{ID: testID, Error: json.RawMessage(`"Error"`)},
		{ID: testID},
	}
	for _, want := range cases {
		data, err := EncodeResponse(want)
		if err != nil {
			t.Fatal(err)
		}
		got, err := DecodeResponse(data)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestResponseWireShape(t *testing.T) {
	data, err := EncodeResponse(&Response{ID: testID, Result: json.RawMessage(`123`)})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"i":"` + testID + `","e":null,"r":123}`
	if string(data) != want {
		t.Fatalf("expect %s, got %s", want, data)
	}
}

func TestDecodeResponseMalformed(t *testing.T) {
	for _, data := range []string{"", "{", `{"e":null}`, `[1]`} {
		if _, err := DecodeResponse([]byte(data)); !errors.Is(err, ErrMalformedResponse) {
			t.Errorf("%q: expect ErrMalformedResponse, got %v", data, err)
		}
	}
}

type codedError struct {
	Code int `json:"code"`
}

func (e *codedError) Error() string { return "coded" }

func (e *codedError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]int{"code": e.Code})
}

func TestErrorValue(t *testing.T) {
	if got := string(ErrorValue(errors.New("Error"))); got != `"Error"` {
		t.Fatalf("expect \"Error\", got %s", got)
	}
	if got := string(ErrorValue(&codedError{Code: 7})); got != `{"code":7}` {
		t.Fatalf("expect {\"code\":7}, got %s", got)
	}
}
