package router

import (
	"cmp"
	"context"
	"maps"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/vibrouter/router/internal/shaping"
	"github.com/vibrouter/router/pkg/core"
)

func (r *Router) startLoopsLocked(s *session) {
	s.done.Add(2)
	go r.runLoop(s, r.cfg.DispatchInterval, r.dispatchTick)
	go r.runLoop(s, r.cfg.SampleInterval, r.sampleTick)
}

func (r *Router) runLoop(s *session, interval time.Duration, tick func(*session)) {
	defer s.done.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			tick(s)
		}
	}
}

// activeLocked reports whether s is still the attached session.
func (r *Router) activeLocked(s *session) bool {
	return r.state == core.Attached && r.sess == s && r.generation == s.gen
}

// dispatchTick sends the shaped current sample to every selected device
// unless neither the sample nor the controls changed since the last tick.
func (r *Router) dispatchTick(s *session) {
	r.mu.Lock()
	if !r.activeLocked(s) {
		r.mu.Unlock()
		return
	}
	if !r.samples.changed() && !r.recalcNeeded {
		r.counters.Skipped++
		r.mu.Unlock()
		r.metrics.skipped.Add(context.Background(), 1)
		return
	}
	current := r.samples.current
	params := r.params
	ver := r.paramsVer
	devices := slices.SortedFunc(maps.Values(r.selected), func(a, b core.DeviceInfo) int {
		return cmp.Compare(a.Index, b.Index)
	})
	r.mu.Unlock()

	speed := shaping.Shape(current, params)
	sent, failed := r.sendAll(devices, speed)

	r.mu.Lock()
	if r.activeLocked(s) {
		r.samples.markDispatched(current)
		if r.paramsVer == ver {
			r.recalcNeeded = false
		}
		r.lastSpeed = speed
		r.counters.Ticks++
		r.counters.CommandsSent += uint64(sent)
		r.counters.DeviceErrors += uint64(failed)
	}
	r.mu.Unlock()

	r.metrics.ticks.Add(context.Background(), 1)
}

// sendAll submits one command per vibrating device. A failing device does
// not stop the others.
func (r *Router) sendAll(devices []core.DeviceInfo, speed float64) (sent, failed int) {
	for _, dev := range devices {
		if !dev.SupportsVibrate || dev.VibratorCount == 0 {
			continue
		}
		cmd := core.NewVibrateCommand(dev, speed)

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SendTimeout)
		err := r.devices.SendVibrate(ctx, cmd)
		cancel()

		devAttr := metric.WithAttributes(attribute.String("device", dev.Name))
		if err != nil {
			failed++
			r.metrics.deviceErrors.Add(context.Background(), 1, devAttr)
			r.logger.Warn("Vibrate command failed", "device", dev.Name, "index", dev.Index, "error", err)
			continue
		}
		sent++
		r.metrics.commandsSent.Add(context.Background(), 1, devAttr)
	}
	return sent, failed
}

// sampleTick hands the current sample to the observer.
func (r *Router) sampleTick(s *session) {
	r.mu.Lock()
	if !r.activeLocked(s) {
		r.mu.Unlock()
		return
	}
	v := r.samples.current
	r.counters.Samples++
	r.mu.Unlock()

	if r.observer != nil {
		r.observer.ObserveVibration(v)
	}
}
