package frame_test

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pinmesh/pinmesh/frame"
)

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		want    []byte
	}{
		{"empty", nil, []byte{0x7E, 0x7F}},
		{"plain", []byte("abc"), []byte{0x7E, 'a', 'b', 'c', 0x7F}},
		{"start-escaped", []byte{0x7E}, []byte{0x7E, 0x7D, 0x5E, 0x7F}},
		{"end-escaped", []byte{0x7F}, []byte{0x7E, 0x7D, 0x5F, 0x7F}},
		{"escape-escaped", []byte{0x7D}, []byte{0x7E, 0x7D, 0x5D, 0x7F}},
		{"adjacent-reserved", []byte{0x7E, 0x7F, 0x7D}, []byte{
			0x7E, 0x7D, 0x5E, 0x7D, 0x5F, 0x7D, 0x5D, 0x7F,
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := frame.Encode(nil, tc.payload)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Encode (-want, +got):\n%s", diff)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"sender":"node-1","type":7}`),
		{0x7E, 0x7E, 0x7F, 0x7F, 0x7D, 0x7D},
		{0x00, 0xFF, 0x7D, 0x5E},
		bytes.Repeat([]byte{0x7E}, 100),
	}
	d := frame.NewDecoder(250)
	var wire []byte
	for _, p := range payloads {
		wire = frame.Encode(wire, p)
	}

	// Feed the stream one byte at a time to exercise incremental state.
	var got [][]byte
	for _, b := range wire {
		out, err := d.Write([]byte{b})
		if err != nil {
			t.Fatalf("Write: unexpected error: %v", err)
		}
		got = append(got, out...)
	}
	if diff := cmp.Diff(payloads, got); diff != "" {
		t.Errorf("Decoded payloads (-want, +got):\n%s", diff)
	}
}

func TestDecoderResync(t *testing.T) {
	d := frame.NewDecoder(250)

	// Noise before a frame is discarded.
	out, err := d.Write([]byte{0x01, 0x02, 0xFF})
	if err != nil || len(out) != 0 {
		t.Errorf("Write noise: got %v, %v; want none, nil", out, err)
	}

	// A start marker mid-frame abandons the partial frame.
	out, err = d.Write([]byte{0x7E, 'a', 'b', 0x7E, 'x', 'y', 0x7F})
	if err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	want := [][]byte{[]byte("xy")}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Decoded payloads (-want, +got):\n%s", diff)
	}
	if got := d.Dropped(); got != 1 {
		t.Errorf("Dropped: got %d, want 1", got)
	}
}

func TestDecoderSizeBound(t *testing.T) {
	d := frame.NewDecoder(4)

	var wire []byte
	wire = frame.Encode(wire, []byte("toolong"))
	wire = frame.Encode(wire, []byte("ok"))

	out, err := d.Write(wire)
	if err != frame.ErrFrameTooLong {
		t.Errorf("Write: got error %v, want %v", err, frame.ErrFrameTooLong)
	}
	want := [][]byte{[]byte("ok")}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Decoded payloads (-want, +got):\n%s", diff)
	}
	if got := d.Dropped(); got != 1 {
		t.Errorf("Dropped: got %d, want 1", got)
	}
}

func TestDecoderReset(t *testing.T) {
	d := frame.NewDecoder(250)
	if _, err := d.Write([]byte{0x7E, 'p', 'a', 'r', 't'}); err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	d.Reset()

	// The partial frame must not leak into the next one.
	out, err := d.Write(frame.Encode(nil, []byte("next")))
	if err != nil {
		t.Fatalf("Write: unexpected error: %v", err)
	}
	want := [][]byte{[]byte("next")}
	if diff := cmp.Diff(want, out); diff != "" {
		t.Errorf("Decoded payloads (-want, +got):\n%s", diff)
	}
}
