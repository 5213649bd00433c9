package observer

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibrouter/router/pkg/core"
)

type sampleSpy struct{ got []core.Vibration }

func (s *sampleSpy) ObserveVibration(v core.Vibration) { s.got = append(s.got, v) }

type statusSpy struct{ got []core.Status }

func (s *statusSpy) ReportStatus(st core.Status) { s.got = append(s.got, st) }

func TestMulti(t *testing.T) {
	a, b := &sampleSpy{}, &sampleSpy{}
	m := NewMulti(a, nil, b)
	require.Len(t, m, 2)

	v := core.Vibration{LeftMotorSpeed: 10}
	m.ObserveVibration(v)

	assert.Equal(t, []core.Vibration{v}, a.got)
	assert.Equal(t, []core.Vibration{v}, b.got)
}

func TestReporters(t *testing.T) {
	a := &statusSpy{}
	rs := NewReporters(nil, a)
	require.Len(t, rs, 1)

	rs.ReportStatus(core.Status{Message: core.StatusAttached})
	assert.Equal(t, core.StatusAttached, a.got[0].Message)
}

func TestReporterFunc(t *testing.T) {
	var got []string
	rs := NewReporters(ReporterFunc(func(s core.Status) { got = append(got, s.Message) }))

	rs.ReportStatus(core.Status{Message: core.StatusDetached})
	assert.Equal(t, []string{core.StatusDetached}, got)
}

func TestLog(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.ObserveVibration(core.Vibration{LeftMotorSpeed: 1, RightMotorSpeed: 2})
	l.ReportStatus(core.Status{State: core.Detached, Reason: core.ReasonRemoteExit, Message: core.StatusProcessExited})

	out := buf.String()
	assert.Contains(t, out, "left=1")
	assert.Contains(t, out, "right=2")
	assert.Contains(t, out, "reason=remote_exit")
	assert.Contains(t, out, `message="Attached process detached or exited"`)
}

func TestLog_SkipsIdleSamples(t *testing.T) {
	var buf bytes.Buffer
	l := Log{Logger: slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))}

	l.ObserveVibration(core.Vibration{})
	assert.Empty(t, buf.String())

	l.ObserveVibration(core.Vibration{RightMotorSpeed: 5})
	assert.Contains(t, buf.String(), "right=5")
}

type memStore struct {
	mu      sync.Mutex
	nextID  uint
	started []core.Session
	ended   []core.Session
	samples []core.SampleRecord
	failAll bool
}

func (m *memStore) StartSession(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("db down")
	}
	m.nextID++
	s.ID = m.nextID
	m.started = append(m.started, *s)
	return nil
}

func (m *memStore) EndSession(_ context.Context, s *core.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = append(m.ended, *s)
	return nil
}

func (m *memStore) RecordSample(rec *core.SampleRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples = append(m.samples, *rec)
	return nil
}

func TestRecorder_SessionLifecycle(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, func() (float64, float64) { return 1.5, 0.1 }, nil)

	r.ObserveVibration(core.Vibration{LeftMotorSpeed: 1})
	assert.Empty(t, store.samples, "no session, no samples")

	start := time.Now()
	r.ReportStatus(core.Status{State: core.Attached, Pid: 42, Channel: "c1", Time: start})
	r.ObserveVibration(core.Vibration{LeftMotorSpeed: 2})
	r.ObserveVibration(core.Vibration{LeftMotorSpeed: 3})
	r.ReportStatus(core.Status{State: core.Detached, Reason: core.ReasonRemoteExit, Time: start.Add(time.Second)})
	r.ObserveVibration(core.Vibration{LeftMotorSpeed: 4})

	require.Len(t, store.started, 1)
	assert.Equal(t, 42, store.started[0].Pid)
	assert.Equal(t, "c1", store.started[0].Channel)
	assert.Equal(t, 1.5, store.started[0].Multiplier)
	assert.Equal(t, 0.1, store.started[0].Baseline)

	require.Len(t, store.ended, 1)
	assert.Equal(t, core.ReasonRemoteExit, store.ended[0].EndReason)
	assert.Equal(t, start.Add(time.Second), store.ended[0].EndTime)

	require.Len(t, store.samples, 2)
	for _, s := range store.samples {
		assert.Equal(t, uint(1), s.SessionID)
	}
}

func TestRecorder_FailedAttachDoesNotOpenSession(t *testing.T) {
	store := &memStore{}
	r := NewRecorder(store, nil, nil)

	r.ReportStatus(core.Status{State: core.Detached, Reason: core.ReasonAttachFailed})
	assert.Empty(t, store.ended)
}

func TestRecorder_StartFailureIsLogged(t *testing.T) {
	store := &memStore{failAll: true}
	r := NewRecorder(store, nil, nil)

	r.ReportStatus(core.Status{State: core.Attached, Pid: 1})
	r.ObserveVibration(core.Vibration{LeftMotorSpeed: 1})

	assert.Empty(t, store.samples)
}
