// Package frame implements the byte-stuffed framing used to carry payloads
// over stream media that have no record boundaries of their own, such as
// serial lines.
//
// A frame is Start, the escaped payload, End. The three reserved byte values
// are escaped in the payload by Escape followed by the value XOR 0x20, so a
// receiver can resynchronize on the next Start after arbitrary corruption.
package frame

import (
	"errors"
	"fmt"
)

// Reserved byte values of the framing protocol.
const (
	Start  byte = 0x7E
	End    byte = 0x7F
	Escape byte = 0x7D

	escXOR byte = 0x20
)

// ErrFrameTooLong is reported by the decoder when a frame exceeds its size
// bound before the end marker arrives. The oversized frame is discarded and
// the decoder resynchronizes on the next start marker.
var ErrFrameTooLong = errors.New("frame too long")

// Encode appends the framed encoding of payload to dst and returns the
// extended slice.
func Encode(dst, payload []byte) []byte {
	dst = append(dst, Start)
	for _, b := range payload {
		switch b {
		case Start, End, Escape:
			dst = append(dst, Escape, b^escXOR)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// A Decoder incrementally extracts frames from a byte stream. Bytes outside
// a frame are discarded, and a start marker inside a frame abandons the
// partial frame and begins a new one, so the decoder recovers from any
// corruption at the next frame boundary.
//
// A Decoder is not safe for concurrent use.
type Decoder struct {
	max int
	buf []byte
	in  bool // a start marker has been seen
	esc bool // the previous byte was an escape

	drops int // frames abandoned for size or restart
}

// NewDecoder constructs a decoder that accepts payloads up to max bytes.
func NewDecoder(max int) *Decoder {
	if max <= 0 {
		panic(fmt.Sprintf("invalid frame size bound %d", max))
	}
	return &Decoder{max: max}
}

// Write feeds data to the decoder and returns the payloads of the frames
// completed by it, in arrival order. The returned slices are copies owned by
// the caller. Write reports ErrFrameTooLong if any frame in data exceeded
// the size bound; decoding continues past the oversized frame regardless.
func (d *Decoder) Write(data []byte) ([][]byte, error) {
	var out [][]byte
	var err error
	for _, b := range data {
		if !d.in {
			if b == Start {
				d.in = true
				d.buf = d.buf[:0]
				d.esc = false
			}
			continue
		}
		switch {
		case d.esc:
			d.esc = false
			b ^= escXOR
		case b == Escape:
			d.esc = true
			continue
		case b == Start:
			// Restart: the previous frame never ended.
			d.drops++
			d.buf = d.buf[:0]
			continue
		case b == End:
			out = append(out, append([]byte(nil), d.buf...))
			d.in = false
			continue
		}
		if len(d.buf) >= d.max {
			d.drops++
			d.in, d.esc = false, false
			err = ErrFrameTooLong
			continue
		}
		d.buf = append(d.buf, b)
	}
	return out, err
}

// Dropped reports the number of frames the decoder has abandoned, for
// restarts and size violations combined.
func (d *Decoder) Dropped() int { return d.drops }

// Reset discards any partial frame and returns the decoder to its initial
// state. The drop counter is preserved.
func (d *Decoder) Reset() {
	d.in, d.esc = false, false
	d.buf = d.buf[:0]
}
