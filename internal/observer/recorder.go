package observer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/vibrouter/router/pkg/core"
)

// SessionStore persists sessions and their samples. storage.Backend
// satisfies it.
type SessionStore interface {
	StartSession(ctx context.Context, s *core.Session) error
	EndSession(ctx context.Context, s *core.Session) error
	RecordSample(rec *core.SampleRecord) error
}

// ParamsFunc returns the multiplier and baseline in effect.
type ParamsFunc func() (multiplier, baseline float64)

// Recorder records attach sessions and the samples seen during them.
// Samples arriving while no session is open are dropped.
type Recorder struct {
	store  SessionStore
	params ParamsFunc
	logger *slog.Logger

	mu      sync.Mutex
	current *core.Session
}

// NewRecorder creates a Recorder. params may be nil.
func NewRecorder(store SessionStore, params ParamsFunc, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, params: params, logger: logger}
}

func (r *Recorder) ReportStatus(s core.Status) {
	ctx := context.Background()

	r.mu.Lock()
	defer r.mu.Unlock()

	switch s.State {
	case core.Attached:
		if r.current != nil {
			r.endLocked(ctx, s.Time, core.ReasonNone)
		}
		sess := &core.Session{
			Pid:       s.Pid,
			Channel:   s.Channel,
			StartTime: timeOrNow(s.Time),
		}
		if r.params != nil {
			sess.Multiplier, sess.Baseline = r.params()
		}
		if err := r.store.StartSession(ctx, sess); err != nil {
			r.logger.Error("Failed to record session start", "error", err)
			return
		}
		r.current = sess

	case core.Detached:
		if r.current != nil {
			r.endLocked(ctx, s.Time, s.Reason)
		}
	}
}

func (r *Recorder) endLocked(ctx context.Context, at time.Time, reason core.DetachReason) {
	r.current.EndTime = timeOrNow(at)
	r.current.EndReason = reason
	if err := r.store.EndSession(ctx, r.current); err != nil {
		r.logger.Error("Failed to record session end", "error", err)
	}
	r.current = nil
}

func (r *Recorder) ObserveVibration(v core.Vibration) {
	r.mu.Lock()
	sess := r.current
	r.mu.Unlock()
	if sess == nil {
		return
	}

	if err := r.store.RecordSample(&core.SampleRecord{
		SessionID: sess.ID,
		Time:      time.Now(),
		Vibration: v,
	}); err != nil {
		r.logger.Warn("Failed to record sample", "error", err)
	}
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
