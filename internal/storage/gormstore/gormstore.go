// Package gormstore implements the storage.Backend interface on GORM. Samples
// are buffered in a bounded queue and written in batches by a background
// writer; sessions are written immediately so they get their IDs.
package gormstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vibrouter/router/internal/database"
	"github.com/vibrouter/router/internal/queue"
	"github.com/vibrouter/router/pkg/core"
	"gorm.io/gorm"
)

const (
	DefaultFlushInterval = 2 * time.Second
	DefaultQueueLimit    = 50000
)

// Config holds configuration for the GORM storage backend.
type Config struct {
	FlushInterval time.Duration
	QueueLimit    int

	// DumpPath receives a VACUUM INTO snapshot every DumpInterval and on
	// Close. SQLite only.
	DumpPath     string
	DumpInterval time.Duration
}

// Backend writes sessions and samples through GORM.
type Backend struct {
	db      *gorm.DB
	cfg     Config
	log     zerolog.Logger
	samples *queue.Queue[Sample]

	writeMu   sync.Mutex
	stopChan  chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	dropped   int
}

// New creates a backend on an open database.
func New(db *gorm.DB, cfg Config, log zerolog.Logger) *Backend {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.QueueLimit <= 0 {
		cfg.QueueLimit = DefaultQueueLimit
	}
	return &Backend{
		db:       db,
		cfg:      cfg,
		log:      log,
		samples:  queue.NewBounded[Sample](cfg.QueueLimit),
		stopChan: make(chan struct{}),
	}
}

// Init migrates the schema and starts the background writers.
func (b *Backend) Init() error {
	b.log.Info().Str("dialect", b.db.Dialector.Name()).Msg("Migrating schema")
	if err := b.db.AutoMigrate(Models...); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	b.wg.Add(1)
	go b.flushLoop()

	if b.dumpEnabled() && b.cfg.DumpInterval > 0 {
		b.wg.Add(1)
		go b.dumpLoop()
	}
	return nil
}

// Close stops the writers, flushes pending samples and closes the database.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopChan)
		b.wg.Wait()

		b.Flush()
		if b.dumpEnabled() {
			if dumpErr := database.DumpToDisk(b.db, b.cfg.DumpPath); dumpErr != nil {
				b.log.Error().Err(dumpErr).Msg("Error dumping to disk")
			}
		}

		sqlDB, dbErr := b.db.DB()
		if dbErr != nil {
			err = dbErr
			return
		}
		err = sqlDB.Close()
	})
	return err
}

// StartSession inserts the session and assigns its ID.
func (b *Backend) StartSession(ctx context.Context, s *core.Session) error {
	row := sessionFromCore(s)
	if err := b.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	s.ID = row.ID
	return nil
}

// EndSession flushes the session's pending samples and stores its end.
func (b *Backend) EndSession(ctx context.Context, s *core.Session) error {
	b.Flush()

	row := sessionFromCore(s)
	err := b.db.WithContext(ctx).Model(&Session{}).Where("id = ?", s.ID).Updates(map[string]any{
		"end_time":   row.EndTime,
		"end_reason": row.EndReason,
	}).Error
	if err != nil {
		return fmt.Errorf("ending session %d: %w", s.ID, err)
	}
	return nil
}

// RecordSample queues a sample for the next flush.
func (b *Backend) RecordSample(rec *core.SampleRecord) error {
	if n := b.samples.Push(sampleFromCore(rec)); n > 0 {
		b.writeMu.Lock()
		b.dropped += n
		total := b.dropped
		b.writeMu.Unlock()
		b.log.Warn().Int("dropped", n).Int("total", total).Msg("Sample queue full, dropped oldest samples")
	}
	return nil
}

// Sessions returns up to limit sessions, newest first. limit <= 0 returns all.
func (b *Backend) Sessions(ctx context.Context, limit int) ([]core.Session, error) {
	var rows []Session
	q := b.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]core.Session, len(rows))
	for i := range rows {
		out[i] = rows[i].toCore()
	}
	return out, nil
}

// Flush writes every queued sample now.
func (b *Backend) Flush() {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	writeQueue(b.db, b.samples, "samples", b.log)
}

// Pending returns the number of queued samples.
func (b *Backend) Pending() int {
	return b.samples.Len()
}

func (b *Backend) dumpEnabled() bool {
	return b.cfg.DumpPath != "" && b.db.Dialector.Name() == "sqlite"
}

// writeQueue drains q into the database in one transaction. Items are
// re-queued when the insert fails.
func writeQueue[T any](db *gorm.DB, q *queue.Queue[T], name string, log zerolog.Logger) {
	if q.Empty() {
		return
	}

	tx := db.Begin()
	items := q.GetAndEmpty()
	if err := tx.Create(&items).Error; err != nil {
		log.Error().Err(err).Str("table", name).Int("count", len(items)).Msg("Error writing batch")
		tx.Rollback()
		q.Push(items...)
		return
	}

	if err := tx.Commit().Error; err != nil {
		log.Error().Err(err).Str("table", name).Msg("Error committing batch")
		q.Push(items...)
		return
	}
	log.Debug().Str("table", name).Int("count", len(items)).Msg("Wrote batch")
}

func (b *Backend) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

func (b *Backend) dumpLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.DumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			return
		case <-ticker.C:
			start := time.Now()
			if err := database.DumpToDisk(b.db, b.cfg.DumpPath); err != nil {
				b.log.Error().Err(err).Msg("Error dumping to disk")
			} else {
				b.log.Debug().Dur("duration", time.Since(start)).Msg("Dumped to disk")
			}
		}
	}
}
