// pkg/core/session.go
package core

import "time"

// AttachmentState is the lifecycle state of the link to the hooked process.
type AttachmentState int

const (
	Detached AttachmentState = iota
	Attaching
	Attached
)

func (s AttachmentState) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

// DetachReason tells why a session ended (or failed to start).
type DetachReason string

const (
	ReasonNone         DetachReason = ""
	ReasonRequested    DetachReason = "requested"
	ReasonAttachFailed DetachReason = "attach_failed"
	ReasonRemoteError  DetachReason = "remote_error"
	ReasonRemoteExit   DetachReason = "remote_exit"
)

// Operator-facing status messages.
const (
	StatusAttached      = "Attached to process"
	StatusAttachError   = "Error attaching, see logs for details."
	StatusProcessExited = "Attached process detached or exited"
	StatusDetached      = "Detached"
)

// Status is pushed to reporters on every lifecycle transition.
type Status struct {
	State   AttachmentState
	Pid     int
	Channel string
	Reason  DetachReason
	Message string
	Time    time.Time
}

// Session is a recorded attachment to a process.
type Session struct {
	ID         uint
	Pid        int
	Channel    string
	StartTime  time.Time
	EndTime    time.Time
	EndReason  DetachReason
	Multiplier float64
	Baseline   float64
}

// SampleRecord is a vibration sample observed during a session.
type SampleRecord struct {
	SessionID uint
	Time      time.Time
	Vibration Vibration
}
