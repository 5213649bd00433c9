package storage

import (
	"context"

	"github.com/vibrouter/router/pkg/core"
)

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Session management (StartSession assigns the ID to the passed pointer)
	StartSession(ctx context.Context, s *core.Session) error
	EndSession(ctx context.Context, s *core.Session) error

	// Sample recording
	RecordSample(rec *core.SampleRecord) error
}

// Lister is an optional interface for backends that can list recorded
// sessions, newest first.
type Lister interface {
	Sessions(ctx context.Context, limit int) ([]core.Session, error)
}
