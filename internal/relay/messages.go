package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type controlType string

const (
	controlTypeHello controlType = "hello"
	controlTypeReady controlType = "ready"
	controlTypeClose controlType = "close"
	controlTypeError controlType = "error"
)

// ControlMessage is the JSON envelope for text messages on the stream
// WebSocket. Binary messages are frameproto frames and bypass this type.
type ControlMessage struct {
	Type controlType `json:"type"`

	// Role is set on hello (client -> server) and echoed on ready.
	Role string `json:"role,omitempty"`

	// SessionID is set on ready (server -> client).
	SessionID string `json:"sessionId,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// parseControlMessage decodes and validates a client-sent control message.
func parseControlMessage(data []byte) (ControlMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg ControlMessage
	if err := dec.Decode(&msg); err != nil {
		return ControlMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return ControlMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return ControlMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m ControlMessage) validate() error {
	switch m.Type {
	case controlTypeHello:
		if _, err := ParseRole(m.Role); err != nil {
			return err
		}
		if m.SessionID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("hello message has unexpected fields")
		}
	case controlTypeClose:
		if m.Role != "" || m.SessionID != "" || m.Code != "" || m.Message != "" {
			return fmt.Errorf("close message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
