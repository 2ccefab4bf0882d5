// Package protocol implements the terminator-delimited frame protocol for pipe-rpc.
//
// A connection carries two independent frame streams. Request frames travel
// client → server and end with RequestTerminator; response frames travel
// server → client and end with ResponseTerminator. A terminator never appears
// raw inside a frame payload: Encode escapes it, and Decoder unescapes it.
//
// Request frame:
//
//	┌──────────────┬──────┬───┬──────────────┬────┐
//	│ id (36 bytes)│ type │ ⚑ │ body         │ \f │
//	│ or ⚐         │      │   │ (serialized) │    │
//	└──────────────┴──────┴───┴──────────────┴────┘
//
// Response frame:
//
//	┌────────────────────────────┬───┐
//	│ {"i":id,"e":err,"r":result}│ ⚑ │
//	└────────────────────────────┴───┘
package protocol

import (
	"bytes"
	"errors"
)

// Wire constants shared by both peers.
const (
	RequestTerminator  = "\f"
	ResponseTerminator = "⚑"
	FieldSeparator     = "⚑"
	NoReplySentinel    = "⚐"

	// IDWidth is the fixed width of a correlation id (canonical UUID string).
	IDWidth = 36

	escapeByte       byte = 0x10
	escapedTerm      byte = '.'
	maxCarryOverSize      = 64 * 1024 * 1024
)

var (
	// ErrMalformedFrame reports a frame whose escape sequences cannot be decoded.
	ErrMalformedFrame = errors.New("protocol: malformed frame")
	// ErrFrameTooLarge reports an unterminated frame that outgrew the carry-over limit.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds carry-over limit")
)

// Direction selects which terminator a codec uses.
type Direction byte

const (
	Request  Direction = 0 // client → server
	Response Direction = 1 // server → client
)

// Terminator returns the terminator bytes of the direction.
func (d Direction) Terminator() []byte {
	if d == Response {
		return []byte(ResponseTerminator)
	}
	return []byte(RequestTerminator)
}

func (d Direction) String() string {
	if d == Response {
		return "response"
	}
	return "request"
}

// Encode escapes payload for the direction and appends its terminator.
func Encode(d Direction, payload []byte) []byte {
	term := d.Terminator()
	out := make([]byte, 0, len(payload)+len(term)+8)
	for i := 0; i < len(payload); {
		switch {
		case payload[i] == escapeByte:
			out = append(out, escapeByte, escapeByte)
			i++
		case bytes.HasPrefix(payload[i:], term):
			out = append(out, escapeByte, escapedTerm)
			i += len(term)
		default:
			out = append(out, payload[i])
			i++
		}
	}
	return append(out, term...)
}

// unescape reverses the escaping applied by Encode.
func unescape(d Direction, frame []byte) ([]byte, error) {
	if bytes.IndexByte(frame, escapeByte) < 0 {
		return frame, nil
	}
	term := d.Terminator()
	out := make([]byte, 0, len(frame))
	for i := 0; i < len(frame); i++ {
		if frame[i] != escapeByte {
			out = append(out, frame[i])
			continue
		}
		if i+1 >= len(frame) {
			return nil, ErrMalformedFrame
		}
		i++
		switch frame[i] {
		case escapeByte:
			out = append(out, escapeByte)
		case escapedTerm:
			out = append(out, term...)
		default:
			return nil, ErrMalformedFrame
		}
	}
	return out, nil
}
