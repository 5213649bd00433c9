// Package selection decides which of the server's devices the router drives.
package selection

import (
	"cmp"
	"log/slog"
	"maps"
	"path"
	"slices"
	"strings"
	"sync"

	"github.com/vibrouter/router/pkg/core"
)

// DeviceSetter receives the selected devices.
type DeviceSetter interface {
	SetDevices(devices map[uint32]core.DeviceInfo)
}

// Selector filters the device table by name patterns and pushes the result
// to a DeviceSetter whenever the table or the patterns change.
type Selector struct {
	target DeviceSetter
	logger *slog.Logger

	mu       sync.Mutex
	patterns []string
	all      map[uint32]core.DeviceInfo
	selected map[uint32]core.DeviceInfo
}

// New creates a Selector. Patterns are case-insensitive path.Match globs on
// the device name; no patterns selects every device.
func New(patterns []string, target DeviceSetter, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		target:   target,
		logger:   logger,
		patterns: normalize(patterns),
		all:      map[uint32]core.DeviceInfo{},
		selected: map[uint32]core.DeviceInfo{},
	}
}

func normalize(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, err := path.Match(p, ""); err != nil {
			slog.Warn("Ignoring bad device pattern", "pattern", p, "error", err)
			continue
		}
		out = append(out, strings.ToLower(p))
	}
	return out
}

// Matches reports whether a device name is selected by the patterns.
func Matches(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	name = strings.ToLower(name)
	for _, p := range patterns {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// Filter returns the devices selected by the patterns.
func Filter(patterns []string, devices map[uint32]core.DeviceInfo) map[uint32]core.DeviceInfo {
	out := make(map[uint32]core.DeviceInfo, len(devices))
	for idx, d := range devices {
		if Matches(patterns, d.Name) {
			out[idx] = d
		}
	}
	return out
}

// Update replaces the device table. It has the signature of
// buttplug.DevicesFunc.
func (s *Selector) Update(devices map[uint32]core.DeviceInfo) {
	s.mu.Lock()
	s.all = maps.Clone(devices)
	if s.all == nil {
		s.all = map[uint32]core.DeviceInfo{}
	}
	selected := s.applyLocked()
	s.mu.Unlock()

	s.push(selected)
}

// SetPatterns changes the patterns and reapplies them.
func (s *Selector) SetPatterns(patterns []string) {
	s.mu.Lock()
	s.patterns = normalize(patterns)
	selected := s.applyLocked()
	s.mu.Unlock()

	s.push(selected)
}

// Patterns returns the active patterns.
func (s *Selector) Patterns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.patterns)
}

// Entry is a device with its selection flag.
type Entry struct {
	core.DeviceInfo
	Selected bool
}

// Entries lists every known device ordered by index.
func (s *Selector) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.all))
	for idx, d := range s.all {
		_, sel := s.selected[idx]
		out = append(out, Entry{DeviceInfo: d, Selected: sel})
	}
	slices.SortFunc(out, func(a, b Entry) int { return cmp.Compare(a.Index, b.Index) })
	return out
}

func (s *Selector) applyLocked() map[uint32]core.DeviceInfo {
	s.selected = Filter(s.patterns, s.all)
	return maps.Clone(s.selected)
}

func (s *Selector) push(selected map[uint32]core.DeviceInfo) {
	s.logger.Debug("Device selection changed", "selected", len(selected))
	if s.target != nil {
		s.target.SetDevices(selected)
	}
}
