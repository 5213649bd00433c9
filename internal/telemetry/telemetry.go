// Package telemetry implements the per-session event channel between the
// router and the payload running inside the hooked game process.
//
// Each attach opens a local WebSocket endpoint named after a fresh channel
// name, asks the injector to load the payload into the target process and
// waits for the payload to connect back. Messages from the payload are
// turned into dispatcher events carrying the channel name as their source.
package telemetry

import (
	"context"
	"fmt"

	"github.com/vibrouter/router/internal/dispatcher"
)

// Event commands delivered to the Sink.
const (
	CommandVibration = "vibration"
	CommandPing      = "ping"
	CommandError     = "error"
	CommandExit      = "exit"
)

// Sink receives channel events. *dispatcher.Dispatcher satisfies it.
type Sink interface {
	Dispatch(e dispatcher.Event) (any, error)
}

// Channel is an open session with one hooked process.
type Channel interface {
	// Name is the unique channel name, used as the Source of every event.
	Name() string
	// Endpoint is where the payload connects to.
	Endpoint() Endpoint
	// SetPassthru tells the payload whether the game's own controller
	// keeps receiving rumble. Sent once the payload connects if it has not
	// connected yet.
	SetPassthru(enabled bool) error
	// Close tears the channel down. Safe to call more than once.
	Close() error
}

// Opener opens channels to processes.
type Opener interface {
	Open(ctx context.Context, pid int, sink Sink) (Channel, error)
}

// Endpoint locates the listener of a channel.
type Endpoint struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Name    string `json:"name"`
}

// URL returns the address the payload dials. Unix sockets use the
// ws+unix://<socket path>:/<name> form.
func (e Endpoint) URL() string {
	if e.Network == "unix" {
		return fmt.Sprintf("ws+unix://%s:/%s", e.Address, e.Name)
	}
	return fmt.Sprintf("ws://%s/%s", e.Address, e.Name)
}

func (e Endpoint) String() string {
	return e.URL()
}
