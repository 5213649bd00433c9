package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vibrouter/router/internal/dispatcher"
	"github.com/vibrouter/router/internal/shaping"
	"github.com/vibrouter/router/internal/telemetry"
	"github.com/vibrouter/router/pkg/core"
)

const tick = 5 * time.Millisecond

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

type fakeChannel struct {
	name string

	mu       sync.Mutex
	closed   int
	passthru []bool
}

func (c *fakeChannel) Name() string { return c.name }

func (c *fakeChannel) Endpoint() telemetry.Endpoint {
	return telemetry.Endpoint{Network: "tcp", Address: "127.0.0.1:1", Name: c.name}
}

func (c *fakeChannel) SetPassthru(enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.passthru = append(c.passthru, enabled)
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeChannel) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) passthruSent() []bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]bool(nil), c.passthru...)
}

// fakeOpener hands out fakeChannels named chan-1, chan-2, ...
type fakeOpener struct {
	mu     sync.Mutex
	err    error
	gate   chan struct{} // when set, Open blocks until closed
	onOpen func(sink telemetry.Sink, ch *fakeChannel)
	opened []*fakeChannel
	sinks  []telemetry.Sink
}

func (o *fakeOpener) Open(ctx context.Context, pid int, sink telemetry.Sink) (telemetry.Channel, error) {
	o.mu.Lock()
	gate, err, onOpen := o.gate, o.err, o.onOpen
	o.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	ch := &fakeChannel{name: "chan-" + string(rune('0'+len(o.opened)+1))}
	o.opened = append(o.opened, ch)
	o.sinks = append(o.sinks, sink)
	o.mu.Unlock()

	if onOpen != nil {
		onOpen(sink, ch)
	}
	return ch, nil
}

func (o *fakeOpener) last() (*fakeChannel, telemetry.Sink) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.opened) == 0 {
		return nil, nil
	}
	return o.opened[len(o.opened)-1], o.sinks[len(o.sinks)-1]
}

type fakeDevices struct {
	mu   sync.Mutex
	cmds []core.VibrateCommand
	fail map[uint32]error
}

func (d *fakeDevices) SendVibrate(_ context.Context, cmd core.VibrateCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, cmd)
	return d.fail[cmd.DeviceIndex]
}

func (d *fakeDevices) all() []core.VibrateCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]core.VibrateCommand(nil), d.cmds...)
}

func (d *fakeDevices) forDevice(index uint32) []core.VibrateCommand {
	var out []core.VibrateCommand
	for _, c := range d.all() {
		if c.DeviceIndex == index {
			out = append(out, c)
		}
	}
	return out
}

type fakeObserver struct {
	mu      sync.Mutex
	samples []core.Vibration
}

func (o *fakeObserver) ObserveVibration(v core.Vibration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.samples = append(o.samples, v)
}

func (o *fakeObserver) all() []core.Vibration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]core.Vibration(nil), o.samples...)
}

type fakeReporter struct {
	mu       sync.Mutex
	statuses []core.Status
}

func (r *fakeReporter) ReportStatus(s core.Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *fakeReporter) all() []core.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Status(nil), r.statuses...)
}

func (r *fakeReporter) last() core.Status {
	all := r.all()
	if len(all) == 0 {
		return core.Status{}
	}
	return all[len(all)-1]
}

type harness struct {
	router   *Router
	opener   *fakeOpener
	devices  *fakeDevices
	observer *fakeObserver
	reporter *fakeReporter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	d, err := dispatcher.New(nopLogger{})
	require.NoError(t, err)

	h := &harness{
		opener:   &fakeOpener{},
		devices:  &fakeDevices{fail: map[uint32]error{}},
		observer: &fakeObserver{},
		reporter: &fakeReporter{},
	}
	h.router, err = New(Config{
		DispatchInterval: tick,
		SampleInterval:   tick,
		SendTimeout:      time.Second,
		Params:           shaping.DefaultParams(),
	}, Deps{
		Opener:     h.opener,
		Devices:    h.devices,
		Dispatcher: d,
		Observer:   h.observer,
		Reporter:   h.reporter,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		h.router.Close()
		d.Close()
	})
	return h
}

func (h *harness) attach(t *testing.T) *fakeChannel {
	t.Helper()
	require.NoError(t, h.router.Attach(context.Background(), 1234))
	ch, _ := h.opener.last()
	return ch
}

// emit injects an event from the payload of the latest channel.
func (h *harness) emit(t *testing.T, command string, payload any) {
	t.Helper()
	ch, sink := h.opener.last()
	require.NotNil(t, sink)
	_, err := sink.Dispatch(dispatcher.Event{Command: command, Source: ch.name, Payload: payload})
	require.NoError(t, err)
}

func (h *harness) waitState(t *testing.T, want core.AttachmentState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.router.State() == want }, 2*time.Second, time.Millisecond)
}

func vibratingDevice(index uint32, motors uint32) core.DeviceInfo {
	return core.DeviceInfo{Index: index, Name: "dev", VibratorCount: motors, SupportsVibrate: true}
}
