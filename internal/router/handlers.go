package router

import (
	"errors"

	"github.com/vibrouter/router/internal/dispatcher"
	"github.com/vibrouter/router/internal/telemetry"
	"github.com/vibrouter/router/pkg/core"
)

// attemptSink forwards the events of one attach attempt to the dispatcher
// and binds the attempt to the channel name on the first event, so events
// that arrive before Open returns are not mistaken for strays.
type attemptSink struct {
	r   *Router
	gen uint64
}

func (s *attemptSink) Dispatch(e dispatcher.Event) (any, error) {
	s.r.mu.Lock()
	if at := s.r.attempt; at != nil && at.gen == s.gen && at.source == "" {
		at.source = e.Source
	}
	s.r.mu.Unlock()
	return s.r.dispatcher.Dispatch(e)
}

func (r *Router) registerHandlers() {
	r.dispatcher.Register(telemetry.CommandVibration, r.handleVibration)
	r.dispatcher.Register(telemetry.CommandPing, r.handlePing)
	// Teardown closes the channel and waits for the loops; it must not run
	// on the channel's read goroutine.
	r.dispatcher.Register(telemetry.CommandError, r.handleError,
		dispatcher.Buffered(terminalQueueSize), dispatcher.Blocking(), dispatcher.Logged())
	r.dispatcher.Register(telemetry.CommandExit, r.handleExit,
		dispatcher.Buffered(terminalQueueSize), dispatcher.Blocking(), dispatcher.Logged())
}

// currentSourceLocked reports whether source is the channel of the current
// session or attach attempt.
func (r *Router) currentSourceLocked(source string) bool {
	if r.sess != nil {
		return r.sess.name == source
	}
	return r.attempt != nil && r.attempt.source == source
}

func (r *Router) handleVibration(e dispatcher.Event) (any, error) {
	v, ok := e.Payload.(core.Vibration)
	if !ok {
		return nil, errors.New("vibration event without sample")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != core.Attached || r.sess == nil || r.sess.name != e.Source {
		return nil, nil
	}
	r.samples.store(v)
	return nil, nil
}

func (r *Router) handlePing(e dispatcher.Event) (any, error) {
	r.mu.Lock()
	current := r.currentSourceLocked(e.Source)
	r.mu.Unlock()

	if current {
		msg, _ := e.Payload.(string)
		r.logger.Info("Ping from payload", "message", msg)
	}
	return nil, nil
}

func (r *Router) handleError(e dispatcher.Event) (any, error) {
	err, _ := e.Payload.(error)
	if err == nil {
		err = errors.New("unknown remote error")
	}
	r.handleTerminal(e.Source, ending{reason: core.ReasonRemoteError, err: err})
	return nil, nil
}

func (r *Router) handleExit(e dispatcher.Event) (any, error) {
	r.handleTerminal(e.Source, ending{reason: core.ReasonRemoteExit})
	return nil, nil
}

func (r *Router) handleTerminal(source string, end ending) {
	r.mu.Lock()
	if at := r.attempt; at != nil && at.source == source && r.sess == nil {
		// Attach is still completing; it ends the session right after.
		at.end = &end
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	r.endSession(source, end)
}
