package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"

	"github.com/ardb/replbacklog/config"
	"github.com/ardb/replbacklog/hooks"
	"github.com/ardb/replbacklog/hooks/listeners"
	"github.com/ardb/replbacklog/replication"
)

// createLogger builds a slog.Logger from cfg, returning an io.Closer for a
// file-backed output if one was opened.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level})), closer, nil
}

// initTracerProvider mirrors the server's OTLP setup so a replicad instance
// shows up in the same trace backend as the data server it backs.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (*sdktrace.TracerProvider, func(), error) {
	if !cfg.Enabled {
		logger.Info("distributed tracing is disabled")
		return sdktrace.NewTracerProvider(), func() {}, nil
	}

	logger.Info("initializing distributed tracing", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("replicad")))
	if err != nil {
		return nil, nil, fmt.Errorf("creating trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)

	cleanup := func() {
		logger.Info("shutting down tracer provider")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down tracer provider", "error", err)
		}
	}
	return tp, cleanup, nil
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if cfg.Replication.ReplDataDir == "" {
		logger.Error("replication.repl_data_dir must be specified in the configuration file")
		os.Exit(1)
	}
	logger.Info("using replication data directory", "path", cfg.Replication.ReplDataDir)

	var debugSrv *replication.DebugServer
	if cfg.Debug.Enabled {
		debugSrv = replication.NewDebugServer(cfg.Debug, logger)
		go func() {
			if err := debugSrv.Start(); err != nil {
				logger.Error("failed to start debug server", "error", err)
			}
		}()
	}

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		logger.Error("failed to initialize tracer provider", "error", err)
		os.Exit(1)
	}
	_ = tp

	syncPeriod := time.Duration(cfg.Replication.ReplBacklogSyncPeriod) * time.Second

	hookManager := hooks.NewHookManager(logger)
	metricsListener := listeners.NewBacklogMetricsListener(logger)
	hookManager.Register(hooks.EventPostWALAppend, metricsListener)
	hookManager.Register(hooks.EventPostWALRotate, metricsListener)
	logger.Info("registered backlog metrics listener for WAL append/rotate events")

	diskMonitor := replication.NewDiskMonitor(cfg.Replication.ReplDataDir, 15*time.Second, logger)
	diskMonitorCtx, stopDiskMonitor := context.WithCancel(context.Background())
	go func() {
		if err := diskMonitor.Run(diskMonitorCtx); err != nil {
			logger.Error("disk monitor exited with an error", "error", err)
		}
	}()

	isMaster := strings.EqualFold(cfg.Replication.Mode, "master") || cfg.Replication.MasterHost == ""

	svc := replication.Get()
	initErr := svc.Init(context.Background(), replication.ServiceOptions{
		Backlog: replication.BacklogOptions{
			DataDir:      cfg.Replication.ReplDataDir,
			BacklogSize:  cfg.Replication.ReplBacklogSize,
			CacheSize:    cfg.Replication.ReplBacklogCacheSize,
			SegmentCount: cfg.Replication.ReplBacklogSegmentCount,
			SyncPeriod:   syncPeriod,
			IsMaster:     isMaster,
			Logger:       logger,
			HookManager:  hookManager,
		},
		Logger:      logger,
		HookManager: hookManager,
	})
	if initErr != nil {
		logger.Error("failed to start replication service", "error", initErr)
		os.Exit(1)
	}

	logger.Info("replication service running. press ctrl+c to exit", "mode", cfg.Replication.Mode)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutdown signal received, stopping replication service")
	if err := svc.Stop(); err != nil {
		logger.Error("error stopping replication service", "error", err)
	}

	stopDiskMonitor()
	tracerCleanup()
	if debugSrv != nil {
		debugSrv.Stop()
	}
	hookManager.Stop()

	logger.Info("replicad exited gracefully")
}
