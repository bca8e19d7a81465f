package pinmesh_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pinmesh/pinmesh"
)

func u8(v uint8) *uint8 { return &v }

func TestEnvelopeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		env  pinmesh.Envelope
	}{
		{"pin-control", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindPinControl, ID: "m1", Pin: u8(13), Value: u8(1),
		}},
		{"pin-subscribe", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindPinSubscribe, Pin: u8(5),
		}},
		{"pin-publish", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindPinPublish, Pin: u8(2), Value: u8(255),
		}},
		{"topic", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindTopicMessage, Topic: "lights", Message: "on",
		}},
		{"serial", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindSerialData, Data: "raw bytes",
		}},
		{"direct", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindDirectMessage, ID: "m2", Message: "hello",
		}},
		{"discovery", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindDiscovery,
		}},
		{"discovery-response", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindDiscoveryResponse,
		}},
		{"ack", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindAck, AckID: "m1",
		}},
		{"read-request", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindPinReadRequest, ID: "m3", Pin: u8(7),
		}},
		{"read-response", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindPinReadResponse, ID: "m3",
			Pin: u8(7), Value: u8(128), Success: ptrBool(true),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.env.Encode()
			if err != nil {
				t.Fatalf("Encode: unexpected error: %v", err)
			}
			if len(data) > pinmesh.MaxFrameSize {
				t.Errorf("Encode: %d bytes, exceeds limit %d", len(data), pinmesh.MaxFrameSize)
			}
			got, err := pinmesh.DecodeEnvelope(data)
			if err != nil {
				t.Fatalf("DecodeEnvelope: unexpected error: %v", err)
			}
			if diff := cmp.Diff(tc.env, got); diff != "" {
				t.Errorf("Decoded envelope (-want, +got):\n%s", diff)
			}
		})
	}
}

func ptrBool(v bool) *bool { return &v }

func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name string
		env  pinmesh.Envelope
	}{
		{"missing-sender", pinmesh.Envelope{Kind: pinmesh.KindDiscovery}},
		{"unknown-kind", pinmesh.Envelope{Sender: "a", Kind: 99}},
		{"zero-kind", pinmesh.Envelope{Sender: "a"}},
		{"control-no-pin", pinmesh.Envelope{Sender: "a", Kind: pinmesh.KindPinControl, Value: u8(1)}},
		{"control-no-value", pinmesh.Envelope{Sender: "a", Kind: pinmesh.KindPinControl, Pin: u8(1)}},
		{"topic-no-message", pinmesh.Envelope{Sender: "a", Kind: pinmesh.KindTopicMessage, Topic: "t"}},
		{"ack-no-id", pinmesh.Envelope{Sender: "a", Kind: pinmesh.KindAck}},
		{"read-response-no-success", pinmesh.Envelope{
			Sender: "a", Kind: pinmesh.KindPinReadResponse, ID: "x", Pin: u8(1), Value: u8(0),
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.env.Encode(); !errors.Is(err, pinmesh.ErrMalformedFrame) {
				t.Errorf("Encode: got error %v, want %v", err, pinmesh.ErrMalformedFrame)
			}
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", ""},
		{"not-json", "this is not json"},
		{"truncated", `{"sender":"a","type":1,"pin":`},
		{"wrong-shape", `[1,2,3]`},
		{"missing-fields", `{"sender":"a","type":1}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pinmesh.DecodeEnvelope([]byte(tc.data)); !errors.Is(err, pinmesh.ErrMalformedFrame) {
				t.Errorf("DecodeEnvelope: got error %v, want %v", err, pinmesh.ErrMalformedFrame)
			}
		})
	}
}

func TestEncodeSizeBound(t *testing.T) {
	env := pinmesh.Envelope{
		Sender:  "a",
		Kind:    pinmesh.KindDirectMessage,
		Message: strings.Repeat("x", pinmesh.MaxFrameSize),
	}
	if _, err := env.Encode(); !errors.Is(err, pinmesh.ErrFrameTooLarge) {
		t.Errorf("Encode: got error %v, want %v", err, pinmesh.ErrFrameTooLarge)
	}
}
