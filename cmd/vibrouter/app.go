package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/vibrouter/router/internal/buttplug"
	"github.com/vibrouter/router/internal/config"
	"github.com/vibrouter/router/internal/console"
	"github.com/vibrouter/router/internal/dispatcher"
	"github.com/vibrouter/router/internal/influx"
	"github.com/vibrouter/router/internal/logging"
	"github.com/vibrouter/router/internal/monitor"
	"github.com/vibrouter/router/internal/observer"
	intOtel "github.com/vibrouter/router/internal/otel"
	"github.com/vibrouter/router/internal/router"
	"github.com/vibrouter/router/internal/selection"
	"github.com/vibrouter/router/internal/shaping"
	"github.com/vibrouter/router/internal/storage"
	"github.com/vibrouter/router/internal/storage/gormstore"
	"github.com/vibrouter/router/internal/telemetry"
	"github.com/vibrouter/router/pkg/core"
)

const (
	appName         = "vibrouter"
	shutdownTimeout = 5 * time.Second
)

// closer runs shutdown steps in reverse registration order.
type closer struct {
	steps []func()
}

func (c *closer) add(step func()) {
	c.steps = append(c.steps, step)
}

func (c *closer) run() {
	for i := len(c.steps) - 1; i >= 0; i-- {
		c.steps[i]()
	}
}

func run(ctx context.Context, opts options) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sessionStart := time.Now()
	var shutdown closer
	defer shutdown.run()

	// config
	configErr := config.Load(opts.configDir)

	// logging
	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}
	logPath := logging.LogFilePath(logsDir, appName, sessionStart)
	logFile := logging.NewRotatingFile(logPath, viper.GetInt("logMaxSizeMB"), viper.GetInt("logMaxBackups"))
	shutdown.add(func() { _ = logFile.Close() })

	var graylog io.WriteCloser
	if viper.GetBool("graylog.enabled") {
		w, err := logging.NewGraylogWriter(viper.GetString("graylog.address"))
		if err != nil {
			fmt.Fprintf(os.Stderr, "graylog disabled: %v\n", err)
		} else {
			graylog = w
			shutdown.add(func() { _ = w.Close() })
		}
	}

	// otel
	otelCfg := config.GetOTelConfig()
	otelProvider, err := intOtel.New(intOtel.Config{
		Enabled:      otelCfg.Enabled,
		ServiceName:  otelCfg.ServiceName,
		BatchTimeout: otelCfg.BatchTimeout,
		LogWriter:    logFile,
		Endpoint:     otelCfg.Endpoint,
		Insecure:     otelCfg.Insecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel disabled: %v\n", err)
		otelProvider, _ = intOtel.New(intOtel.Config{})
	}
	shutdown.add(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = otelProvider.Shutdown(ctx)
	})

	// The router does not exist yet; log records pick up its session
	// attributes once it does.
	var routerRef atomic.Pointer[router.Router]

	var otelLogProvider *sdklog.LoggerProvider
	if otelProvider.Enabled() {
		otelLogProvider = otelProvider.LoggerProvider()
	}
	slogManager := logging.NewSlogManager()
	slogManager.Setup(logging.SetupOptions{
		File:     logFile,
		Level:    viper.GetString("logLevel"),
		Provider: otelLogProvider,
		Graylog:  graylog,
		Context: func() []slog.Attr {
			if r := routerRef.Load(); r != nil {
				return r.LogAttrs()
			}
			return nil
		},
	})
	logger := slogManager.Logger()
	slog.SetDefault(logger)

	zl := logging.NewZerolog(logFile, viper.GetString("logLevel"))

	if configErr != nil {
		logger.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		logger.Info("Loaded config", "file", viper.ConfigFileUsed())
	}
	logger.Info("Begin logging in logs directory", "path", logPath, "version", version)

	// dispatcher
	d, err := dispatcher.New(logging.NewDispatcherLogger(zl.With().Str("component", "dispatcher").Logger()))
	if err != nil {
		return fmt.Errorf("creating dispatcher: %w", err)
	}
	shutdown.add(d.Close)

	// storage
	storageCfg := config.GetStorageConfig()
	backend, err := storage.NewBackend(storageCfg, zl.With().Str("component", "storage").Logger())
	if err != nil {
		return fmt.Errorf("creating storage backend: %w", err)
	}
	if err := backend.Init(); err != nil {
		return fmt.Errorf("initializing storage backend: %w", err)
	}
	shutdown.add(func() {
		if err := backend.Close(); err != nil {
			logger.Error("Failed to close storage backend", "error", err)
		}
	})
	logger.Info("Storage backend initialized", "type", storageCfg.Type)

	// influx
	sink := connectInflux(ctx, config.GetInfluxConfig(), zl.With().Str("component", "influx").Logger(), logger)
	if sink != nil {
		shutdown.add(func() { _ = sink.Close() })
	}

	// device server
	serverCfg := config.GetServerConfig()
	client := buttplug.New(buttplug.Options{
		URL:            serverCfg.URL,
		ClientName:     serverCfg.ClientName,
		ScanOnConnect:  serverCfg.ScanOnConnect,
		RequestTimeout: serverCfg.RequestTimeout,
		Logger:         logger.With("component", "buttplug"),
	})
	shutdown.add(func() { _ = client.Close() })

	// router
	var consoleRef atomic.Pointer[console.Console]
	routerCfg := config.GetRouterConfig()
	recorder := observer.NewRecorder(backend, func() (float64, float64) {
		if r := routerRef.Load(); r != nil {
			p := r.Params()
			return p.Multiplier, p.Baseline
		}
		return routerCfg.Multiplier, routerCfg.Baseline
	}, logger)

	observers := []observer.Observer{observer.Log{Logger: logger}, recorder}
	reporters := []observer.Reporter{
		observer.Log{Logger: logger},
		recorder,
		observer.ReporterFunc(func(s core.Status) {
			if c := consoleRef.Load(); c != nil {
				c.ReportStatus(s)
			}
		}),
	}
	if sink != nil {
		observers = append(observers, sink)
		reporters = append(reporters, sink)
	}

	channelCfg := config.GetChannelConfig()
	injectorCfg := config.GetInjectorConfig()
	rt, err := router.New(router.Config{
		DispatchInterval: routerCfg.DispatchInterval,
		SampleInterval:   routerCfg.SampleInterval,
		SendTimeout:      serverCfg.RequestTimeout,
		Params:           shaping.Params{Multiplier: routerCfg.Multiplier, Baseline: routerCfg.Baseline},
		Passthru:         routerCfg.Passthru,
	}, router.Deps{
		Opener: telemetry.NewServer(telemetry.Options{
			Network:        channelCfg.Network,
			Address:        channelCfg.Address,
			ConnectTimeout: channelCfg.ConnectTimeout,
			Payload:        injectorCfg.Payload,
			Injector: &telemetry.ExecInjector{
				Command: injectorCfg.Command,
				Args:    injectorCfg.Args,
				Logger:  logger,
			},
			Logger: logger.With("component", "telemetry"),
		}),
		Devices:    client,
		Dispatcher: d,
		Observer:   observer.NewMulti(observers...),
		Reporter:   observer.NewReporters(reporters...),
		Logger:     logger.With("component", "router"),
	})
	if err != nil {
		return fmt.Errorf("creating router: %w", err)
	}
	routerRef.Store(rt)
	// runs before d.Close; Close cancels attaches the console started
	shutdown.add(func() {
		rt.Close()
		if c := consoleRef.Load(); c != nil {
			c.Wait()
		}
	})

	sel := selection.New(serverCfg.Select, rt, logger)
	client.OnDevicesChanged(sel.Update)
	if err := client.Connect(ctx); err != nil {
		logger.Error("Failed to connect to device server", "url", serverCfg.URL, "error", err)
		fmt.Printf("device server %s unavailable: %v\n", serverCfg.URL, err)
	} else {
		logger.Info("Connected to device server", "url", serverCfg.URL, "server", client.ServerName())
	}

	// monitor
	monitorCfg := config.GetMonitorConfig()
	if monitorCfg.Enabled {
		deps := monitor.Dependencies{
			Router:     rt,
			Logger:     logger,
			StatusFile: monitorCfg.StatusFile,
			Interval:   monitorCfg.Interval,
		}
		if gb, ok := backend.(*gormstore.Backend); ok {
			deps.WriteQueues = map[string]func() int{"samples": gb.Pending}
		}
		mon := monitor.NewService(deps)
		if err := mon.Start(); err != nil {
			logger.Error("Failed to start status monitor", "error", err)
		} else {
			shutdown.add(mon.Stop)
		}
	}

	// console
	lister, _ := backend.(storage.Lister)
	con := console.New(console.Deps{
		Router:   rt,
		Devices:  sel,
		Sessions: lister,
		Logger:   logger,
	}, os.Stdout)
	consoleRef.Store(con)

	fmt.Printf("%s %s ready, type help for commands\n", appName, version)
	if opts.attachPid > 0 {
		if err := con.Execute(ctx, "attach "+strconv.Itoa(opts.attachPid)); err != nil {
			fmt.Printf("error: %v\n", err)
		}
	}

	err = con.Run(ctx, os.Stdin)
	switch {
	case errors.Is(err, io.EOF):
		// no operator input, keep routing until signaled
		<-ctx.Done()
	case errors.Is(err, context.Canceled):
	case err != nil:
		return err
	}

	logger.Info("Shutting down")
	return nil
}

func connectInflux(ctx context.Context, cfg config.InfluxConfig, zl zerolog.Logger, logger *slog.Logger) *influx.Sink {
	if !cfg.Enabled {
		return nil
	}
	sink := influx.NewSink(cfg, zl)
	if err := sink.Connect(ctx); err != nil {
		logger.Error("Failed to set up InfluxDB sink", "error", err)
		return nil
	}
	return sink
}
