package router

import (
	"cmp"
	"slices"
	"time"

	"github.com/vibrouter/router/internal/shaping"
	"github.com/vibrouter/router/pkg/core"
)

// Counters are cumulative over the router's lifetime.
type Counters struct {
	Ticks        uint64 `json:"ticks"`
	Skipped      uint64 `json:"skipped"`
	CommandsSent uint64 `json:"commandsSent"`
	DeviceErrors uint64 `json:"deviceErrors"`
	Samples      uint64 `json:"samples"`
}

// Snapshot is a point-in-time view of the router for status output.
type Snapshot struct {
	State      string            `json:"state"`
	Pid        int               `json:"pid,omitempty"`
	Channel    string            `json:"channel,omitempty"`
	AttachedAt *time.Time        `json:"attachedAt,omitempty"`
	Status     string            `json:"status"`
	Reason     core.DetachReason `json:"reason,omitempty"`
	LastSample core.Vibration    `json:"lastSample"`
	LastSpeed  float64           `json:"lastSpeed"`
	Params     shaping.Params    `json:"params"`
	Passthru   bool              `json:"passthru"`
	Devices    []core.DeviceInfo `json:"devices"`
	Counters   Counters          `json:"counters"`
	Time       time.Time         `json:"time"`
}

// Snapshot returns the current router state.
func (r *Router) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		State:      r.state.String(),
		Status:     r.lastStatus.Message,
		Reason:     r.lastStatus.Reason,
		LastSample: r.samples.current,
		LastSpeed:  r.lastSpeed,
		Params:     r.params,
		Passthru:   r.passthru,
		Devices:    make([]core.DeviceInfo, 0, len(r.selected)),
		Counters:   r.counters,
		Time:       time.Now(),
	}
	if r.sess != nil {
		started := r.sess.started
		snap.Pid = r.sess.pid
		snap.Channel = r.sess.name
		snap.AttachedAt = &started
	} else if r.attempt != nil {
		snap.Pid = r.attempt.pid
	}
	for _, d := range r.selected {
		snap.Devices = append(snap.Devices, d)
	}
	slices.SortFunc(snap.Devices, func(a, b core.DeviceInfo) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return snap
}
