package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/rs/zerolog"
	"github.com/vibrouter/router/internal/config"
	"github.com/vibrouter/router/pkg/core"
)

// Measurement is the name of the vibration sample measurement.
const Measurement = "vibration"

// ErrDisabled is returned by Connect when the sink is turned off.
var ErrDisabled = errors.New("influx sink disabled")

// Sink writes vibration samples to InfluxDB, or to a gzip line-protocol
// backup file when the server is unreachable.
type Sink struct {
	cfg    config.InfluxConfig
	logger zerolog.Logger

	client       influxdb2.Client
	writer       influxdb2_api.WriteAPI
	backupFile   *os.File
	backupWriter *gzip.Writer
	valid        bool

	mu      sync.Mutex
	pid     int
	channel string
	closed  bool
}

// NewSink creates an unconnected sink.
func NewSink(cfg config.InfluxConfig, log zerolog.Logger) *Sink {
	return &Sink{cfg: cfg, logger: log}
}

// Connect establishes a connection to InfluxDB.
func (s *Sink) Connect(ctx context.Context) error {
	if !s.cfg.Enabled {
		return ErrDisabled
	}

	s.client = influxdb2.NewClientWithOptions(
		s.cfg.URL(),
		s.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	// validate client connection health
	running, err := s.client.Ping(ctx)
	if err != nil || !running {
		s.logger.Info().Str("backupPath", s.cfg.BackupPath).
			Msg("Failed to initialize InfluxDB client, writing to backup file")

		file, err := os.OpenFile(s.cfg.BackupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("error creating backup file: %w", err)
		}
		s.backupFile = file
		s.backupWriter = gzip.NewWriter(file)
		s.logger.Warn().Msg("InfluxDB client failed to initialize, using backup writer")
		return nil
	}

	if err := s.setupOrganizationAndBucket(ctx); err != nil {
		return err
	}
	s.createWriter()
	s.valid = true
	s.logger.Info().Str("url", s.cfg.URL()).Msg("InfluxDB client initialized")
	return nil
}

func (s *Sink) setupOrganizationAndBucket(ctx context.Context) error {
	orgs := s.client.OrganizationsAPI()

	// ensure org exists
	org, err := orgs.FindOrganizationByName(ctx, s.cfg.Org)
	if err != nil {
		s.logger.Info().Str("org", s.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, s.cfg.Org)
		if err != nil {
			s.logger.Error().Err(err).Str("org", s.cfg.Org).Msg("Error creating organization")
			return err
		}
	}

	// ensure bucket exists with 90 day retention
	if _, err := s.client.BucketsAPI().FindBucketByName(ctx, s.cfg.Bucket); err != nil {
		s.logger.Info().Str("bucket", s.cfg.Bucket).Msg("Bucket not found, creating")

		rule := domain.RetentionRuleTypeExpire
		_, err = s.client.BucketsAPI().CreateBucketWithName(ctx, org, s.cfg.Bucket, domain.RetentionRule{
			Type:         &rule,
			EverySeconds: 60 * 60 * 24 * 90, // 90 days
		})
		if err != nil {
			s.logger.Error().Err(err).Str("bucket", s.cfg.Bucket).Msg("Error creating bucket")
			return err
		}
	}
	return nil
}

func (s *Sink) createWriter() {
	s.writer = s.client.WriteAPI(s.cfg.Org, s.cfg.Bucket)

	errorsCh := s.writer.Errors()
	go func() {
		for writeErr := range errorsCh {
			s.logger.Error().Err(writeErr).Str("bucket", s.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}()
}

// ReportStatus tracks the attached process so samples carry its tags.
func (s *Sink) ReportStatus(st core.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch st.State {
	case core.Attached:
		s.pid, s.channel = st.Pid, st.Channel
	case core.Detached:
		s.pid, s.channel = 0, ""
	}
}

// ObserveVibration writes one sample point.
func (s *Sink) ObserveVibration(v core.Vibration) {
	s.mu.Lock()
	pid, channel := s.pid, s.channel
	s.mu.Unlock()

	if err := s.WritePoint(VibrationPoint(v, pid, channel, time.Now())); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write vibration point")
	}
}

// VibrationPoint builds the point for one sample.
func VibrationPoint(v core.Vibration, pid int, channel string, at time.Time) *influxdb2_write.Point {
	tags := map[string]string{}
	if pid != 0 {
		tags["pid"] = strconv.Itoa(pid)
	}
	if channel != "" {
		tags["channel"] = channel
	}
	return influxdb2.NewPoint(Measurement, tags, map[string]any{
		"left":    int(v.LeftMotorSpeed),
		"right":   int(v.RightMotorSpeed),
		"average": v.Average(),
	}, at)
}

// WritePoint writes a point to InfluxDB or backup file.
func (s *Sink) WritePoint(point *influxdb2_write.Point) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("influx sink closed")
	}
	if s.valid {
		s.writer.WritePoint(point)
		return nil
	}
	if s.backupWriter == nil {
		return errors.New("influxDB client not initialized and backup writer not available")
	}

	if _, err := s.backupWriter.Write([]byte(LineProtocol(point) + "\n")); err != nil {
		return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
	}
	return nil
}

// LineProtocol renders a point as one line without the trailing newline.
// The client's encoder leaves a comma after the measurement when the point
// has no tags; that comma is dropped so the line stays replayable.
func LineProtocol(point *influxdb2_write.Point) string {
	line := strings.TrimRight(influxdb2_write.PointToLineProtocol(point, time.Nanosecond), "\n")
	if len(point.TagList()) == 0 {
		if rest, ok := strings.CutPrefix(line, point.Name()+","); ok {
			line = point.Name() + rest
		}
	}
	return line
}

// Close flushes pending points and releases the client and backup file.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.writer != nil {
		s.writer.Flush()
	}
	if s.client != nil {
		s.client.Close()
	}

	var errs []error
	if s.backupWriter != nil {
		errs = append(errs, s.backupWriter.Close())
	}
	if s.backupFile != nil {
		errs = append(errs, s.backupFile.Close())
	}
	return errors.Join(errs...)
}
