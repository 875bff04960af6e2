package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/engine"
	"github.com/kevinraymond/stt-server/internal/hardware"
	"github.com/kevinraymond/stt-server/internal/metrics"
	"github.com/kevinraymond/stt-server/internal/server"
	"github.com/kevinraymond/stt-server/internal/session"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "stt-server"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	device := flag.String("device", "", "Execution device override: cpu or gpu")
	model := flag.String("model", "", "Model size override (tiny, base, small, medium, distil-large-v3, large-v3)")
	precision := flag.String("precision", "", "Compute precision override (float16, int8_float16, int8)")
	language := flag.String("language", "", "Transcription language override ('auto' or ISO 639-1 code)")
	host := flag.String("host", "", "Listen host override")
	port := flag.Int("port", 0, "Listen port override")
	flag.Parse()

	// Load configuration; a missing default config file just means
	// defaults, but an explicitly requested file must exist.
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg.Apply(config.Overrides{
		Device:    *device,
		Model:     *model,
		Precision: *precision,
		Language:  *language,
		Host:      *host,
		Port:      *port,
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Resolve the hardware execution profile. Resolution never fails;
	// every degradation surfaces as a warning here.
	profile, warnings := hardware.Resolve(hardware.SystemProbe{}, hardware.Overrides{
		Device:         cfg.Engine.Device,
		Model:          cfg.Engine.Model,
		Precision:      cfg.Engine.ComputePrecision,
		GPUConcurrency: cfg.Engine.GPUConcurrency,
	})
	for _, w := range warnings {
		logger.Warn("hardware profile degradation",
			slog.String("kind", w.Kind),
			slog.String("detail", w.Message),
		)
	}
	logger.Info("Hardware profile resolved",
		slog.String("device", string(profile.Device)),
		slog.String("model", profile.Model),
		slog.String("compute_precision", profile.ComputePrecision),
		slog.Int("concurrency", profile.Concurrency),
		slog.String("gpu", profile.GPUName),
		slog.Int("system_memory_mb", profile.SystemMemoryMB),
		slog.Int("cpu_count", profile.CPUCount),
	)

	// Load the transcription model. A model that cannot be loaded means
	// the service has nothing to offer; fail fast.
	eng, err := engine.Load(profile, cfg.Engine.ModelDir, logger)
	if err != nil {
		logger.Error("Failed to load transcription engine", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer eng.Close()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()

	// Scheduler shares the engine across sessions; its worker count is
	// the profile's safe concurrency degree.
	sched := engine.NewScheduler(eng, profile.Concurrency, logger, appMetrics)

	// Session manager
	sessionMgr := session.NewManager(cfg, sched, logger, appMetrics)

	// TCP transport
	tcpServer := server.NewTCPServer(&cfg.Server, logger, sessionMgr, appMetrics)
	if err := tcpServer.Start(); err != nil {
		logger.Error("Failed to start TCP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// HTTP API server with the WebSocket transport (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg, logger, sessionMgr, tcpServer, sched, profile, appMetrics)
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("tcp_address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
		shutdownCancel()
	}

	// Stop TCP server (stop accepting new connections)
	if err := tcpServer.Stop(); err != nil {
		logger.Error("Error stopping TCP server", slog.String("error", err.Error()))
	}

	// Drain remaining sessions, then stop the scheduler.
	sessionMgr.Stop()
	sched.Stop()

	stats := tcpServer.GetStatistics()
	logger.Info("Final server statistics",
		slog.Uint64("connections_accepted", stats.ConnectionsAccepted),
		slog.Uint64("frames_received", stats.FramesReceived),
		slog.Uint64("parse_errors", stats.ParseErrors),
	)

	logger.Info("Service stopped")
}

// loadConfig reads the configuration file, treating an absent default
// file as "use defaults"
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) && path == defaultConfigPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path.
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
