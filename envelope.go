package pinmesh

import (
	"encoding/json"
	"fmt"
)

// MaxFrameSize is the largest encoded envelope the protocol will produce or
// accept, matching the payload ceiling of constrained radio media.
// Encode fails rather than truncates when an envelope would exceed it.
const MaxFrameSize = 250

// Kind identifies the structure of an envelope's payload. The numeric values
// are part of the wire protocol and must not be renumbered.
type Kind uint8

const (
	KindPinControl        Kind = 1  // set a pin on the target node
	KindPinSubscribe      Kind = 2  // advisory: sender accepts control for a pin
	KindPinPublish        Kind = 3  // broadcast of a local pin state
	KindTopicMessage      Kind = 4  // publish/subscribe topic message
	KindSerialData        Kind = 5  // forwarded serial data
	KindDirectMessage     Kind = 6  // unicast text message
	KindDiscovery         Kind = 7  // presence announcement (broadcast)
	KindDiscoveryResponse Kind = 8  // unicast answer to a discovery
	KindAck               Kind = 9  // acknowledgement of a tracked envelope
	KindPinReadRequest    Kind = 10 // ask the target to report a pin value
	KindPinReadResponse   Kind = 11 // answer to a pin read request
)

func (k Kind) String() string {
	switch k {
	case KindPinControl:
		return "PIN_CONTROL"
	case KindPinSubscribe:
		return "PIN_SUBSCRIBE"
	case KindPinPublish:
		return "PIN_PUBLISH"
	case KindTopicMessage:
		return "TOPIC_MESSAGE"
	case KindSerialData:
		return "SERIAL_DATA"
	case KindDirectMessage:
		return "DIRECT_MESSAGE"
	case KindDiscovery:
		return "DISCOVERY"
	case KindDiscoveryResponse:
		return "DISCOVERY_RESPONSE"
	case KindAck:
		return "ACK"
	case KindPinReadRequest:
		return "PIN_READ_REQUEST"
	case KindPinReadResponse:
		return "PIN_READ_RESPONSE"
	default:
		return fmt.Sprintf("KIND:%d", uint8(k))
	}
}

// valid reports whether k is a kind defined by the protocol.
func (k Kind) valid() bool { return k >= KindPinControl && k <= KindPinReadResponse }

// retryEligible reports whether the engine may automatically resend envelopes
// of this kind on delivery failure.
func (k Kind) retryEligible() bool { return k == KindPinControl }

// An Envelope is the header and payload carried by one transmitted frame.
// It is immutable once constructed. Optional fields use pointers so that a
// missing field can be told apart from a zero value during validation.
type Envelope struct {
	Sender string `json:"sender"`
	Kind   Kind   `json:"type"`

	// ID is the correlation id linking this envelope to an acknowledgement
	// or response. Present iff the kind participates in tracking.
	ID string `json:"id,omitempty"`

	// AckID names the correlation id being acknowledged (KindAck only).
	AckID string `json:"ack_id,omitempty"`

	Pin     *uint8 `json:"pin,omitempty"`
	Value   *uint8 `json:"value,omitempty"`
	Success *bool  `json:"success,omitempty"`

	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
	Data    string `json:"data,omitempty"`
}

// String returns a human-friendly rendering of the envelope.
func (e Envelope) String() string {
	s := fmt.Sprintf("Envelope(%v, from=%q", e.Kind, e.Sender)
	if e.ID != "" {
		s += fmt.Sprintf(", id=%q", e.ID)
	}
	if e.Pin != nil {
		s += fmt.Sprintf(", pin=%d", *e.Pin)
	}
	if e.Value != nil {
		s += fmt.Sprintf(", value=%d", *e.Value)
	}
	return s + ")"
}

// Encode encodes e to its wire form. It reports an error if a mandatory field
// for the declared kind is absent, or if the encoding would exceed
// MaxFrameSize; an oversized envelope is never truncated.
func (e Envelope) Encode() ([]byte, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(data), MaxFrameSize)
	}
	return data, nil
}

// DecodeEnvelope parses data into an envelope. Truncated, structurally
// invalid, or incomplete input reports ErrMalformedFrame; it never panics.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	if len(data) == 0 || len(data) > MaxFrameSize {
		return e, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(data))
	}
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := e.validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// validate checks the mandatory fields for the envelope's declared kind.
func (e Envelope) validate() error {
	if e.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrMalformedFrame)
	}
	if !e.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %d", ErrMalformedFrame, uint8(e.Kind))
	}
	switch e.Kind {
	case KindPinControl, KindPinPublish:
		if e.Pin == nil || e.Value == nil {
			return fmt.Errorf("%w: %v missing pin or value", ErrMalformedFrame, e.Kind)
		}
	case KindPinSubscribe, KindPinReadRequest:
		if e.Pin == nil {
			return fmt.Errorf("%w: %v missing pin", ErrMalformedFrame, e.Kind)
		}
	case KindPinReadResponse:
		if e.Pin == nil || e.Value == nil || e.Success == nil {
			return fmt.Errorf("%w: %v missing pin, value, or success", ErrMalformedFrame, e.Kind)
		}
	case KindTopicMessage:
		if e.Topic == "" || e.Message == "" {
			return fmt.Errorf("%w: %v missing topic or message", ErrMalformedFrame, e.Kind)
		}
	case KindDirectMessage:
		if e.Message == "" {
			return fmt.Errorf("%w: %v missing message", ErrMalformedFrame, e.Kind)
		}
	case KindSerialData:
		if e.Data == "" {
			return fmt.Errorf("%w: %v missing data", ErrMalformedFrame, e.Kind)
		}
	case KindAck:
		if e.AckID == "" {
			return fmt.Errorf("%w: %v missing ack_id", ErrMalformedFrame, e.Kind)
		}
	}
	return nil
}

func ptr[T any](v T) *T { return &v }
