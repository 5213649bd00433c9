package monitor

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/vibrouter/router/internal/router"
)

// DefaultInterval is used when Dependencies.Interval is unset.
const DefaultInterval = time.Second

// SnapshotSource provides the router state. *router.Router satisfies it.
type SnapshotSource interface {
	Snapshot() router.Snapshot
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Router     SnapshotSource
	Logger     *slog.Logger
	StatusFile string
	Interval   time.Duration

	// WriteQueues reports the length of named write queues.
	WriteQueues map[string]func() int
}

// Status is the document written to the status file.
type Status struct {
	Router      router.Snapshot `json:"router"`
	WriteQueues map[string]int  `json:"writeQueues,omitempty"`
}

// Service manages status monitoring
type Service struct {
	deps      Dependencies
	isRunning bool
	mu        sync.RWMutex
	stopChan  chan struct{}
	done      chan struct{}
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Interval <= 0 {
		deps.Interval = DefaultInterval
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Service{deps: deps}
}

// IsRunning returns whether the status monitor is running
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// GetStatus returns the current program status
func (s *Service) GetStatus() Status {
	st := Status{Router: s.deps.Router.Snapshot()}
	if len(s.deps.WriteQueues) > 0 {
		st.WriteQueues = make(map[string]int, len(s.deps.WriteQueues))
		for name, length := range s.deps.WriteQueues {
			st.WriteQueues[name] = length()
		}
	}
	return st
}

// Start starts the status monitor goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}

	statusFile, err := os.Create(s.deps.StatusFile)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stopChan, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		defer statusFile.Close()

		logger := s.deps.Logger
		logger.Debug("Starting status monitor goroutine", "file", s.deps.StatusFile, "interval", s.deps.Interval)

		ticker := time.NewTicker(s.deps.Interval)
		defer ticker.Stop()

		s.writeStatus(statusFile)
		for {
			select {
			case <-stop:
				s.writeStatus(statusFile)
				return
			case <-ticker.C:
				s.writeStatus(statusFile)
			}
		}
	}()

	return nil
}

func (s *Service) writeStatus(f *os.File) {
	data, err := json.MarshalIndent(s.GetStatus(), "", "  ")
	if err != nil {
		s.deps.Logger.Error("Error encoding status", "error", err)
		return
	}

	if err := f.Truncate(0); err != nil {
		s.deps.Logger.Error("Error truncating status file", "error", err)
		return
	}
	if _, err := f.WriteAt(append(data, '\n'), 0); err != nil {
		s.deps.Logger.Error("Error writing status file", "error", err)
	}
}

// Stop stops the status monitor and waits for the final status write.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()

	<-done
}
