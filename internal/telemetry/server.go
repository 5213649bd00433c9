package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultConnectTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Network is "tcp" or "unix".
	Network string
	// Address is the tcp listen address, or the directory holding the
	// socket file for unix.
	Address        string
	ConnectTimeout time.Duration
	// Payload is handed to the injector as {payload}.
	Payload  string
	Injector Injector
	// Probe checks the target process exists. Defaults to FindProcess.
	Probe  func(pid int) error
	Logger *slog.Logger
}

// Server opens hook channels. It is safe for concurrent use.
type Server struct {
	opts   Options
	logger *slog.Logger
}

// NewServer creates a Server with the given options.
func NewServer(opts Options) *Server {
	if opts.Network == "" {
		opts.Network = "tcp"
	}
	if opts.Address == "" && opts.Network == "tcp" {
		opts.Address = "127.0.0.1:0"
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.Probe == nil {
		opts.Probe = FindProcess
	}
	if opts.Injector == nil {
		opts.Injector = &ExecInjector{Logger: opts.Logger}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, logger: logger}
}

// Open probes the process, starts a listener for a new channel and runs the
// injector. On success events from the payload flow to sink until the
// channel is closed or a terminal event was delivered.
func (s *Server) Open(ctx context.Context, pid int, sink Sink) (Channel, error) {
	span := trace.SpanFromContext(ctx)

	if err := s.opts.Probe(pid); err != nil {
		return nil, &AttachError{Pid: pid, Stage: StageProbe, Err: err}
	}

	name := uuid.NewString()
	ln, endpoint, err := s.listen(name)
	if err != nil {
		return nil, &AttachError{Pid: pid, Stage: StageListen, Err: err}
	}
	span.AddEvent("listening", trace.WithAttributes(
		attribute.String("channel", name),
		attribute.String("endpoint", endpoint.URL()),
	))

	c := newChannel(pid, endpoint, sink, s.logger)
	c.serve(ln)

	if err := s.opts.Injector.Inject(ctx, InjectRequest{Pid: pid, Endpoint: endpoint, Payload: s.opts.Payload}); err != nil {
		_ = c.Close()
		return nil, &AttachError{Pid: pid, Stage: StageInject, Err: err}
	}
	span.AddEvent("injected")

	c.armTimeout(s.opts.ConnectTimeout)

	s.logger.Info("Hook channel open", "pid", pid, "channel", name, "endpoint", endpoint.URL())
	return c, nil
}

func (s *Server) listen(name string) (net.Listener, Endpoint, error) {
	address := s.opts.Address
	if s.opts.Network == "unix" {
		dir := address
		if dir == "" {
			dir = os.TempDir()
		}
		address = filepath.Join(dir, "vibrouter-"+name+".sock")
	}

	ln, err := net.Listen(s.opts.Network, address)
	if err != nil {
		return nil, Endpoint{}, fmt.Errorf("listen %s %s: %w", s.opts.Network, address, err)
	}

	return ln, Endpoint{
		Network: s.opts.Network,
		Address: ln.Addr().String(),
		Name:    name,
	}, nil
}

// serve runs the HTTP server accepting the payload's upgrade request.
func (c *channel) serve(ln net.Listener) {
	mux := http.NewServeMux()
	mux.HandleFunc("/"+c.endpoint.Name, c.handleUpgrade)

	c.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := c.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("Hook channel listener stopped", "error", err)
		}
	}()
}
