package transport

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/swax/naisys-hub/internal/model"
)

// Kind separates fire-and-forget events from correlated request/response pairs.
type Kind string

const (
	KindEvent    Kind = "event"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
)

// Envelope is one frame on the wire. ID is set on requests and echoed on the
// matching response; events never carry one.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Event   model.Event     `json:"event,omitempty"`
	ID      uint64          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrClosed is returned by sends on a closed connection and by requests
// still pending when the connection closes.
var ErrClosed = errors.New("transport: connection closed")

// ErrBufferFull is returned when the peer is not draining its send queue.
var ErrBufferFull = errors.New("transport: send buffer full")

// RemoteError is a request failure reported by the peer.
type RemoteError struct {
	Event   model.Event
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: %s: remote error: %s", e.Event, e.Message)
}

func (e Envelope) validate() error {
	switch e.Kind {
	case KindEvent:
		if e.Event == "" {
			return fmt.Errorf("event frame without event name")
		}
	case KindRequest:
		if e.Event == "" || e.ID == 0 {
			return fmt.Errorf("request frame needs event name and id")
		}
	case KindResponse:
		if e.ID == 0 {
			return fmt.Errorf("response frame without id")
		}
	default:
		return fmt.Errorf("unknown frame kind %q", e.Kind)
	}
	return nil
}
