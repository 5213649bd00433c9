package telemetry

import (
	"errors"
	"fmt"
)

// Attach stages reported in AttachError.
const (
	StageProbe  = "probe"
	StageListen = "listen"
	StageInject = "inject"
)

// ErrProducerTimeout is delivered as an error event when the payload does
// not connect within the configured timeout.
var ErrProducerTimeout = errors.New("payload did not connect in time")

// ErrChannelClosed is returned when sending on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// AttachError reports a failed Open.
type AttachError struct {
	Pid   int
	Stage string
	Err   error
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("attach to process %d failed at %s: %v", e.Pid, e.Stage, e.Err)
}

func (e *AttachError) Unwrap() error {
	return e.Err
}

// RemoteError is an error reported by the payload. It ends the session.
type RemoteError struct {
	Message string
}

func (e RemoteError) Error() string {
	return "remote error: " + e.Message
}
