package hookproto

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibrouter/router/pkg/core"
)

func TestMarshal_WithPayload(t *testing.T) {
	data, err := Marshal(TypePassthru, PassthruPayload{Enabled: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"passthru","payload":{"enabled":true}}`, string(data))
}

func TestMarshal_NilPayload(t *testing.T) {
	data, err := Marshal(TypeDetach, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"detach"}`, string(data))
}

func TestDecode_Vibration(t *testing.T) {
	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(`{"type":"vibration","payload":{"left":65535,"right":12}}`), &env))

	var p VibrationPayload
	require.NoError(t, Decode(env, &p))
	assert.Equal(t, core.Vibration{LeftMotorSpeed: 65535, RightMotorSpeed: 12}, p.Vibration())
}

func TestDecode_Errors(t *testing.T) {
	var p VibrationPayload
	err := Decode(Envelope{Type: TypeVibration}, &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty payload")

	err = Decode(Envelope{Type: TypeVibration, Payload: json.RawMessage(`{"left":-1}`)}, &p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode payload")
}
