// Package message defines the envelopes carried inside protocol frames.
//
// A Request travels client → server and names the handler to run; a Response
// travels back and answers exactly one Request by its correlation id.
// Fire-and-forget requests carry no id and are never answered.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"pipe-rpc/protocol"
)

var (
	ErrMalformedRequest  = errors.New("message: malformed request")
	ErrMalformedResponse = errors.New("message: malformed response")
	ErrInvalidType       = errors.New("message: invalid handler type")
	ErrInvalidID         = errors.New("message: invalid correlation id")
)

// Request is the client → server envelope.
//
//   - Expect-reply: ID holds a fixed-width correlation token.
//   - No-reply:     NoReply is set and ID is empty.
type Request struct {
	ID      string
	Type    string // Handler name, e.g. "echo" or "Arith.Add"
	Body    []byte // Serialized payload
	NoReply bool
}

// ExpectsReply reports whether the server must answer this request.
func (r *Request) ExpectsReply() bool {
	return !r.NoReply
}

// Response is the server → client envelope. At most one of Error and Result
// is meaningful; both nil means success without a value.
type Response struct {
	ID     string          `json:"i"`
	Error  json.RawMessage `json:"e"`
	Result json.RawMessage `json:"r"`
}

// Failed reports whether the response carries a handler error.
func (r *Response) Failed() bool {
	return len(r.Error) > 0
}

// ValidateType rejects handler names that would corrupt the request layout.
func ValidateType(typ string) error {
	if typ == "" {
		return fmt.Errorf("%w: empty", ErrInvalidType)
	}
	if strings.Contains(typ, protocol.FieldSeparator) {
		return fmt.Errorf("%w: %q contains the field separator", ErrInvalidType, typ)
	}
	if strings.HasPrefix(typ, protocol.NoReplySentinel) {
		return fmt.Errorf("%w: %q starts with the no-reply sentinel", ErrInvalidType, typ)
	}
	return nil
}

// EncodeRequest lays out a request as id|type|separator|body.
func EncodeRequest(r *Request) ([]byte, error) {
	if err := ValidateType(r.Type); err != nil {
		return nil, err
	}
	var head string
	if r.NoReply {
		head = protocol.NoReplySentinel
	} else {
		if len(r.ID) != protocol.IDWidth || strings.HasPrefix(r.ID, protocol.NoReplySentinel) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidID, r.ID)
		}
		head = r.ID
	}

	buf := make([]byte, 0, len(head)+len(r.Type)+len(protocol.FieldSeparator)+len(r.Body))
	buf = append(buf, head...)
	buf = append(buf, r.Type...)
	buf = append(buf, protocol.FieldSeparator...)
	buf = append(buf, r.Body...)
	return buf, nil
}

// DecodeRequest parses a request frame payload.
// A payload without a field separator is a request with an empty body.
func DecodeRequest(data []byte) (*Request, error) {
	req := &Request{}
	var rest []byte
	if bytes.HasPrefix(data, []byte(protocol.NoReplySentinel)) {
		req.NoReply = true
		rest = data[len(protocol.NoReplySentinel):]
	} else {
		if len(data) < protocol.IDWidth {
			return nil, fmt.Errorf("%w: %d bytes is shorter than the id", ErrMalformedRequest, len(data))
		}
		req.ID = string(data[:protocol.IDWidth])
		rest = data[protocol.IDWidth:]
	}

	typ, body, _ := bytes.Cut(rest, []byte(protocol.FieldSeparator))
	if len(typ) == 0 {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedRequest)
	}
	req.Type = string(typ)
	req.Body = body
	return req, nil
}

// EncodeResponse serializes a response as {"i":id,"e":error,"r":result}.
func EncodeResponse(r *Response) ([]byte, error) {
	if r.Error != nil && !json.Valid(r.Error) {
		return nil, fmt.Errorf("%w: error is not a JSON value", ErrMalformedResponse)
	}
	if r.Result != nil && !json.Valid(r.Result) {
		return nil, fmt.Errorf("%w: result is not a JSON value", ErrMalformedResponse)
	}
	return json.Marshal(r)
}

// DecodeResponse parses a response frame payload.
func DecodeResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if resp.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedResponse)
	}
	resp.Error = nullToNil(resp.Error)
	resp.Result = nullToNil(resp.Result)
	return &resp, nil
}

func nullToNil(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

// ErrorValue serializes a handler failure for the response envelope.
// Errors that marshal to JSON themselves keep their shape; everything else
// travels as the error's message string.
func ErrorValue(err error) json.RawMessage {
	if m, ok := err.(json.Marshaler); ok {
		if raw, merr := m.MarshalJSON(); merr == nil && json.Valid(raw) {
			return raw
		}
	}
	raw, _ := json.Marshal(err.Error())
	return raw
}
