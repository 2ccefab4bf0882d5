package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Decoder splits an arbitrarily chunked byte stream into frames.
//
// Frames are only emitted once their terminator has been seen; the trailing
// unterminated data is carried over to the next Feed call. A Decoder is bound
// to a single stream and is not safe for concurrent use.
type Decoder struct {
	dir   Direction
	term  []byte
	carry []byte
	// scanned is the prefix of carry already known to hold no terminator.
	scanned int
	limit   int
}

// NewDecoder returns a Decoder for frames of the given direction.
func NewDecoder(d Direction) *Decoder {
	return &Decoder{dir: d, term: d.Terminator(), limit: maxCarryOverSize}
}

// Feed consumes one chunk and returns every frame it completes, in arrival
// order. Returned frames are still escaped; pass them to Unescape.
// ErrFrameTooLarge is returned, and the carry-over discarded, when an
// unterminated frame grows past the limit.
func (dec *Decoder) Feed(chunk []byte) ([][]byte, error) {
	dec.carry = append(dec.carry, chunk...)

	var frames [][]byte
	start := 0
	from := dec.scanned
	for {
		idx := bytes.Index(dec.carry[from:], dec.term)
		if idx < 0 {
			break
		}
		end := from + idx
		frame := make([]byte, end-start)
		copy(frame, dec.carry[start:end])
		frames = append(frames, frame)
		start = end + len(dec.term)
		from = start
	}

	rest := len(dec.carry) - start
	copy(dec.carry, dec.carry[start:])
	dec.carry = dec.carry[:rest]
	// A terminator may straddle the next chunk boundary.
	dec.scanned = max(0, rest-len(dec.term)+1)

	if dec.limit > 0 && len(dec.carry) > dec.limit {
		n := len(dec.carry)
		dec.Reset()
		return frames, fmt.Errorf("%w: %d bytes buffered", ErrFrameTooLarge, n)
	}
	return frames, nil
}

// Buffered reports how many bytes are waiting for a terminator.
func (dec *Decoder) Buffered() int {
	return len(dec.carry)
}

// Reset drops any carried-over partial frame.
func (dec *Decoder) Reset() {
	dec.carry = dec.carry[:0]
	dec.scanned = 0
}

// Unescape returns the payload of a frame produced by Encode.
func (dec *Decoder) Unescape(frame []byte) ([]byte, error) {
	return unescape(dec.dir, frame)
}

// Reader pulls unescaped frames from a stream, one at a time.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	buf   []byte
	queue [][]byte
}

// NewReader wraps r with a frame Decoder for direction d.
func NewReader(r io.Reader, d Direction) *Reader {
	return &Reader{
		r:   r,
		dec: NewDecoder(d),
		buf: make([]byte, 32*1024),
	}
}

// ReadFrame returns the next frame payload.
//
// ErrMalformedFrame concerns only the frame it was returned for; the caller
// may keep reading. Any other error ends the stream.
func (r *Reader) ReadFrame() ([]byte, error) {
	for len(r.queue) == 0 {
		n, err := r.r.Read(r.buf)
		if n > 0 {
			frames, ferr := r.dec.Feed(r.buf[:n])
			r.queue = append(r.queue, frames...)
			if ferr != nil {
				return nil, ferr
			}
		}
		if err != nil {
			if len(r.queue) > 0 {
				break
			}
			return nil, err
		}
	}
	frame := r.queue[0]
	r.queue[0] = nil
	r.queue = r.queue[1:]

	payload, err := r.dec.Unescape(frame)
	if err != nil {
		return nil, err
	}
	return payload, nil
}
