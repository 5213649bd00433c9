// Package router drives the attach/detach lifecycle of a hooked game and
// turns its rumble samples into device commands on a fixed schedule.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/vibrouter/router/internal/dispatcher"
	"github.com/vibrouter/router/internal/shaping"
	"github.com/vibrouter/router/internal/telemetry"
	"github.com/vibrouter/router/pkg/core"
)

var (
	// ErrAlreadyAttached is returned by Attach unless the router is detached.
	ErrAlreadyAttached = errors.New("already attached or attaching")
	// ErrAttachCanceled is returned by Attach when Detach ran while the
	// attach was in progress.
	ErrAttachCanceled = errors.New("attach canceled")
	// ErrClosed is returned by Attach after Close.
	ErrClosed = errors.New("router closed")
)

const (
	defaultDispatchInterval = 50 * time.Millisecond
	defaultSampleInterval   = 100 * time.Millisecond
	defaultSendTimeout      = 5 * time.Second

	terminalQueueSize = 16
)

// DeviceSink accepts vibrate commands for devices.
type DeviceSink interface {
	SendVibrate(ctx context.Context, cmd core.VibrateCommand) error
}

// Observer receives the current sample on every sample tick.
type Observer interface {
	ObserveVibration(v core.Vibration)
}

// StatusReporter receives every lifecycle transition.
type StatusReporter interface {
	ReportStatus(s core.Status)
}

// Config holds the schedule and the initial operator controls.
type Config struct {
	DispatchInterval time.Duration
	SampleInterval   time.Duration
	// SendTimeout bounds a single device submission.
	SendTimeout time.Duration
	Params      shaping.Params
	Passthru    bool
}

// Deps are the collaborators of a Router. Opener, Devices and Dispatcher
// are required.
type Deps struct {
	Opener     telemetry.Opener
	Devices    DeviceSink
	Dispatcher *dispatcher.Dispatcher
	Observer   Observer
	Reporter   StatusReporter
	Logger     *slog.Logger
}

// attempt is an attach in progress.
type attempt struct {
	gen    uint64
	pid    int
	cancel context.CancelFunc
	// source is bound to the channel name on its first event.
	source string
	end    *ending
}

// session is an established attachment and its loops.
type session struct {
	gen     uint64
	pid     int
	ch      telemetry.Channel
	name    string
	started time.Time
	stop    chan struct{}
	done    sync.WaitGroup
}

// ending records why a session is over.
type ending struct {
	reason  core.DetachReason
	message string
	err     error
}

// Router is the attachment controller. All state is guarded by mu; device
// submissions and channel I/O run outside of it.
type Router struct {
	cfg        Config
	opener     telemetry.Opener
	devices    DeviceSink
	dispatcher *dispatcher.Dispatcher
	observer   Observer
	reporter   StatusReporter
	logger     *slog.Logger
	metrics    *instruments

	mu         sync.Mutex
	state      core.AttachmentState
	generation uint64
	attempt    *attempt
	sess       *session
	closed     bool

	samples      sampleBuffer
	params       shaping.Params
	paramsVer    uint64
	recalcNeeded bool
	passthru     bool
	selected     map[uint32]core.DeviceInfo
	lastSpeed    float64
	lastStatus   core.Status
	counters     Counters

	info atomic.Pointer[logInfo]
}

type logInfo struct {
	state   core.AttachmentState
	pid     int
	channel string
}

// New creates a Router and registers its event handlers on the dispatcher.
func New(cfg Config, deps Deps) (*Router, error) {
	if deps.Opener == nil || deps.Devices == nil || deps.Dispatcher == nil {
		return nil, errors.New("router: opener, devices and dispatcher are required")
	}
	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaultDispatchInterval
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = defaultSampleInterval
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ins, err := newInstruments()
	if err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Router{
		cfg:        cfg,
		opener:     deps.Opener,
		devices:    deps.Devices,
		dispatcher: deps.Dispatcher,
		observer:   deps.Observer,
		reporter:   deps.Reporter,
		logger:     logger,
		metrics:    ins,
		params:     cfg.Params.Normalize(),
		passthru:   cfg.Passthru,
		selected:   map[uint32]core.DeviceInfo{},
		lastStatus: core.Status{State: core.Detached, Message: core.StatusDetached},
	}
	r.info.Store(&logInfo{state: core.Detached})

	r.registerHandlers()
	return r, nil
}

// Attach opens a channel to the process and starts the loops. It fails
// with ErrAlreadyAttached unless the router is detached.
func (r *Router) Attach(ctx context.Context, pid int) (err error) {
	ctx, span := tracer().Start(ctx, "router.Attach", trace.WithAttributes(attribute.Int("pid", pid)))
	defer func() {
		outcome := "ok"
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			outcome = "failed"
			if errors.Is(err, ErrAlreadyAttached) || errors.Is(err, ErrAttachCanceled) {
				outcome = "rejected"
			}
		}
		r.metrics.attachAttempts.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("outcome", outcome)))
		span.End()
	}()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.state != core.Detached {
		r.mu.Unlock()
		return ErrAlreadyAttached
	}
	r.generation++
	attemptCtx, cancel := context.WithCancel(ctx)
	at := &attempt{gen: r.generation, pid: pid, cancel: cancel}
	r.attempt = at
	r.setStateLocked(core.Attaching, pid, "")
	r.mu.Unlock()

	r.logger.Info("Attaching to process", "pid", pid)

	ch, openErr := r.opener.Open(attemptCtx, pid, &attemptSink{r: r, gen: at.gen})
	cancel()

	r.mu.Lock()
	if r.attempt != at {
		// Detach or Close ran meanwhile and already reported.
		r.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
		return ErrAttachCanceled
	}
	r.attempt = nil

	if openErr != nil {
		status := r.detachLocked(core.ReasonAttachFailed, core.StatusAttachError)
		r.mu.Unlock()

		var ae *telemetry.AttachError
		if errors.As(openErr, &ae) {
			r.logger.Error("Attach failed", "pid", pid, "stage", ae.Stage, "error", ae.Err)
		} else {
			r.logger.Error("Attach failed", "pid", pid, "error", openErr)
		}
		r.report(status)
		return fmt.Errorf("attach to %d: %w", pid, openErr)
	}

	s := &session{
		gen:     at.gen,
		pid:     pid,
		ch:      ch,
		name:    ch.Name(),
		started: time.Now(),
		stop:    make(chan struct{}),
	}
	r.sess = s
	r.samples.reset()
	r.lastSpeed = 0
	r.markDirtyLocked()
	r.setStateLocked(core.Attached, pid, s.name)
	status := r.statusLocked(core.ReasonNone, core.StatusAttached)
	r.lastStatus = status
	r.startLoopsLocked(s)
	passthru := r.passthru
	early := at.end
	r.mu.Unlock()

	r.logger.Info("Attached to process", "pid", pid, "channel", s.name)
	r.report(status)

	if err := ch.SetPassthru(passthru); err != nil {
		r.logger.Warn("Failed to send passthru setting", "error", err)
	}

	if early != nil {
		// The payload already gave up while the attach was completing.
		r.endSession(s.name, *early)
	}
	return nil
}

// Detach ends the current session or cancels an attach in progress. It is
// a no-op while detached.
func (r *Router) Detach() {
	r.mu.Lock()
	switch r.state {
	case core.Detached:
		r.mu.Unlock()
		return

	case core.Attaching:
		at := r.attempt
		r.attempt = nil
		r.generation++
		status := r.detachLocked(core.ReasonRequested, core.StatusDetached)
		r.mu.Unlock()

		r.logger.Info("Attach canceled", "pid", at.pid)
		at.cancel()
		r.report(status)
		return
	}

	s := r.teardownLocked()
	status := r.detachLocked(core.ReasonRequested, core.StatusDetached)
	r.mu.Unlock()

	r.finish(s)
	r.logger.Info("Detached from process", "pid", s.pid, "channel", s.name)
	r.report(status)
}

// endSession is the teardown path for remote errors and exits.
func (r *Router) endSession(source string, end ending) {
	r.mu.Lock()
	if r.state != core.Attached || r.sess == nil || r.sess.name != source {
		r.mu.Unlock()
		return
	}

	message := core.StatusProcessExited
	if end.reason == core.ReasonRemoteError {
		message = core.StatusAttachError
	}

	s := r.teardownLocked()
	status := r.detachLocked(end.reason, message)
	r.mu.Unlock()

	r.finish(s)
	if end.reason == core.ReasonRemoteError {
		r.logger.Error("Payload reported an error", "pid", s.pid, "channel", s.name, "error", end.err)
	} else {
		r.logger.Info("Attached process detached or exited", "pid", s.pid, "channel", s.name)
	}
	r.report(status)
}

// teardownLocked detaches the session from the router. The caller must
// call finish on the result after releasing mu.
func (r *Router) teardownLocked() *session {
	s := r.sess
	r.sess = nil
	r.generation++
	close(s.stop)
	return s
}

// finish closes the channel and waits for the loops of a torn down session.
func (r *Router) finish(s *session) {
	if err := s.ch.Close(); err != nil {
		r.logger.Debug("Channel close error", "channel", s.name, "error", err)
	}
	s.done.Wait()
}

// Close detaches and rejects further attaches. It does not close the
// dispatcher.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Detach()
}

// SetMultiplier sets the sample multiplier. Negative values become 0.
func (r *Router) SetMultiplier(m float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params.Multiplier = shaping.ClampMultiplier(m)
	r.markDirtyLocked()
}

// SetBaseline sets the minimum speed, clamped to [0,1].
func (r *Router) SetBaseline(b float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.params.Baseline = shaping.ClampBaseline(b)
	r.markDirtyLocked()
}

// SetPassthru stores the passthru setting and forwards it to an attached
// payload.
func (r *Router) SetPassthru(enabled bool) {
	r.mu.Lock()
	r.passthru = enabled
	var ch telemetry.Channel
	if r.state == core.Attached && r.sess != nil {
		ch = r.sess.ch
	}
	r.mu.Unlock()

	if ch != nil {
		if err := ch.SetPassthru(enabled); err != nil {
			r.logger.Warn("Failed to send passthru setting", "error", err)
		}
	}
}

// SetDevices replaces the selected devices.
func (r *Router) SetDevices(devices map[uint32]core.DeviceInfo) {
	cp := maps.Clone(devices)
	if cp == nil {
		cp = map[uint32]core.DeviceInfo{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = cp
	r.markDirtyLocked()
}

// Params returns the current operator controls.
func (r *Router) Params() shaping.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.params
}

// Passthru returns the current passthru setting.
func (r *Router) Passthru() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passthru
}

// State returns the attachment state.
func (r *Router) State() core.AttachmentState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// LogAttrs returns the live session attributes for log records. It never
// takes the router lock, so it is safe to call from any log call.
func (r *Router) LogAttrs() []slog.Attr {
	info := r.info.Load()
	attrs := []slog.Attr{slog.String("state", info.state.String())}
	if info.pid != 0 {
		attrs = append(attrs, slog.Int("pid", info.pid))
	}
	if info.channel != "" {
		attrs = append(attrs, slog.String("channel", info.channel))
	}
	return attrs
}

func (r *Router) markDirtyLocked() {
	r.recalcNeeded = true
	r.paramsVer++
}

func (r *Router) setStateLocked(state core.AttachmentState, pid int, channel string) {
	r.state = state
	r.info.Store(&logInfo{state: state, pid: pid, channel: channel})
}

// detachLocked moves to Detached and returns the status to report. The
// status keeps the pid and channel of the session that ended.
func (r *Router) detachLocked(reason core.DetachReason, message string) core.Status {
	status := r.statusLocked(reason, message)
	status.State = core.Detached
	r.setStateLocked(core.Detached, 0, "")
	r.lastStatus = status
	return status
}

func (r *Router) statusLocked(reason core.DetachReason, message string) core.Status {
	info := r.info.Load()
	return core.Status{
		State:   r.state,
		Pid:     info.pid,
		Channel: info.channel,
		Reason:  reason,
		Message: message,
		Time:    time.Now(),
	}
}

func (r *Router) report(s core.Status) {
	if r.reporter != nil {
		r.reporter.ReportStatus(s)
	}
}
