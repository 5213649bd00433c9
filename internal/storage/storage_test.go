package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vibrouter/router/internal/config"
	"github.com/vibrouter/router/internal/observer"
	"github.com/vibrouter/router/internal/storage"
	"github.com/vibrouter/router/internal/storage/gormstore"
	"github.com/vibrouter/router/internal/storage/memory"
	"github.com/vibrouter/router/pkg/core"
)

// Compile-time interface checks
var (
	_ storage.Backend       = (*memory.Backend)(nil)
	_ storage.Lister        = (*memory.Backend)(nil)
	_ storage.Backend       = (*gormstore.Backend)(nil)
	_ storage.Lister        = (*gormstore.Backend)(nil)
	_ observer.SessionStore = (storage.Backend)(nil)
)

func TestNewBackend_Memory(t *testing.T) {
	for _, typ := range []string{"memory", ""} {
		b, err := storage.NewBackend(config.StorageConfig{Type: typ}, zerolog.Nop())
		require.NoError(t, err)
		assert.IsType(t, &memory.Backend{}, b)
	}
}

func TestNewBackend_SQLite(t *testing.T) {
	cfg := config.StorageConfig{
		Type:          "sqlite",
		FlushInterval: time.Hour,
		SQLite:        config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "vib.db")},
	}

	b, err := storage.NewBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.IsType(t, &gormstore.Backend{}, b)
	require.NoError(t, b.Init())
	t.Cleanup(func() { _ = b.Close() })

	s := &core.Session{Pid: 7, StartTime: time.Now()}
	require.NoError(t, b.StartSession(context.Background(), s))
	assert.NotZero(t, s.ID)
}

func TestNewBackend_PostgresFallsBackToSQLite(t *testing.T) {
	cfg := config.StorageConfig{
		Type:          "postgres",
		FlushInterval: time.Hour,
		SQLite:        config.SQLiteConfig{Path: filepath.Join(t.TempDir(), "fallback.db")},
		Postgres: config.PostgresConfig{
			Host:     "127.0.0.1",
			Port:     "1",
			Username: "postgres",
			Password: "postgres",
			Database: "vibrouter",
		},
	}

	b, err := storage.NewBackend(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &gormstore.Backend{}, b)
	_ = b.Close()
}

func TestNewBackend_Unknown(t *testing.T) {
	_, err := storage.NewBackend(config.StorageConfig{Type: "cassandra"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown storage type")
}

func TestRecorder_WithMemoryBackend(t *testing.T) {
	b := memory.New(0)
	rec := observer.NewRecorder(b, func() (float64, float64) { return 2, 0.1 }, nil)

	rec.ReportStatus(core.Status{State: core.Attached, Pid: 55, Channel: "c", Time: time.Now()})
	rec.ObserveVibration(core.Vibration{LeftMotorSpeed: 10})
	rec.ReportStatus(core.Status{State: core.Detached, Reason: core.ReasonRemoteExit, Time: time.Now()})

	sessions, err := b.Sessions(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 55, sessions[0].Pid)
	assert.Equal(t, 2.0, sessions[0].Multiplier)
	assert.Equal(t, core.ReasonRemoteExit, sessions[0].EndReason)

	samples, _ := b.Samples(sessions[0].ID)
	assert.Len(t, samples, 1)
}
