// Package hookproto defines the messages exchanged with the payload running
// inside the hooked game process.
package hookproto

import (
	"encoding/json"
	"fmt"

	"github.com/vibrouter/router/pkg/core"
)

// Message type constants, producer -> router.
const (
	TypeVibration = "vibration"
	TypePing      = "ping"
	TypeError     = "error"
	TypeExit      = "exit"
)

// Message type constants, router -> producer.
const (
	TypePassthru = "passthru"
	TypeDetach   = "detach"
)

// Envelope wraps all messages sent over the hook channel.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// VibrationPayload carries one rumble sample.
type VibrationPayload struct {
	Left  uint16 `json:"left"`
	Right uint16 `json:"right"`
}

// Vibration converts the payload to the core sample type.
func (p VibrationPayload) Vibration() core.Vibration {
	return core.Vibration{LeftMotorSpeed: p.Left, RightMotorSpeed: p.Right}
}

// MessagePayload carries the text of ping and error messages.
type MessagePayload struct {
	Message string `json:"message"`
}

// PassthruPayload tells the payload whether the game's own controller
// should still receive rumble.
type PassthruPayload struct {
	Enabled bool `json:"enabled"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
// A nil payload produces an envelope without a payload field.
func Marshal(msgType string, payload any) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	return data, nil
}

// Decode unmarshals an envelope payload into out.
func Decode(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s: empty payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("%s: decode payload: %w", env.Type, err)
	}
	return nil
}
