package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vibrouter/router/internal/queue"
	"github.com/vibrouter/router/pkg/core"
)

// DefaultSampleLimit caps the samples kept per session.
const DefaultSampleLimit = 10000

// SessionRecord groups a session with the samples seen during it
type SessionRecord struct {
	Session core.Session
	samples *queue.Queue[core.SampleRecord]
	dropped int
}

// Backend keeps sessions and samples in process
type Backend struct {
	sampleLimit int

	sessions map[uint]*SessionRecord
	order    []uint

	idCounter uint
	mu        sync.RWMutex
}

// New creates a new memory backend. sampleLimit <= 0 uses DefaultSampleLimit.
func New(sampleLimit int) *Backend {
	if sampleLimit <= 0 {
		sampleLimit = DefaultSampleLimit
	}
	return &Backend{
		sampleLimit: sampleLimit,
		sessions:    make(map[uint]*SessionRecord),
	}
}

// Init initializes the backend
func (b *Backend) Init() error {
	return nil
}

// Close cleans up resources
func (b *Backend) Close() error {
	return nil
}

// StartSession registers a new session and assigns its ID
func (b *Backend) StartSession(_ context.Context, s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.idCounter++
	s.ID = b.idCounter

	b.sessions[s.ID] = &SessionRecord{
		Session: *s,
		samples: queue.NewBounded[core.SampleRecord](b.sampleLimit),
	}
	b.order = append(b.order, s.ID)
	return nil
}

// EndSession stores the end time and reason of a session
func (b *Backend) EndSession(_ context.Context, s *core.Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.sessions[s.ID]
	if !ok {
		return fmt.Errorf("session %d not found", s.ID)
	}
	record.Session.EndTime = s.EndTime
	record.Session.EndReason = s.EndReason
	return nil
}

// RecordSample appends a sample to its session. The oldest samples are
// dropped once the session holds sampleLimit of them.
func (b *Backend) RecordSample(rec *core.SampleRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	record, ok := b.sessions[rec.SessionID]
	if !ok {
		return fmt.Errorf("session %d not found", rec.SessionID)
	}
	record.dropped += record.samples.Push(*rec)
	return nil
}

// Sessions returns up to limit sessions, newest first. limit <= 0 returns all.
func (b *Backend) Sessions(_ context.Context, limit int) ([]core.Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]core.Session, 0, len(b.order))
	for _, id := range slices.Backward(b.order) {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, b.sessions[id].Session)
	}
	return out, nil
}

// Samples returns a copy of the samples kept for a session and how many
// were dropped.
func (b *Backend) Samples(sessionID uint) ([]core.SampleRecord, int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	record, ok := b.sessions[sessionID]
	if !ok {
		return nil, 0
	}
	return record.samples.Items(), record.dropped
}
