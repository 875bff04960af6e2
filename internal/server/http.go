package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/engine"
	"github.com/kevinraymond/stt-server/internal/hardware"
	"github.com/kevinraymond/stt-server/internal/metrics"
	"github.com/kevinraymond/stt-server/internal/session"
)

// HTTPServer provides the monitoring API and the WebSocket transport
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	sessionMgr *session.Manager
	tcpServer  *TCPServer
	sched      *engine.Scheduler
	profile    hardware.Profile
	metrics    *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the HTTP API server
func NewHTTPServer(appConfig *config.Config, logger *slog.Logger, sessionMgr *session.Manager,
	tcpServer *TCPServer, sched *engine.Scheduler, profile hardware.Profile, m *metrics.Metrics) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}
	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		sessionMgr: sessionMgr,
		tcpServer:  tcpServer,
		sched:      sched,
		profile:    profile,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", appConfig.HTTP.Address, appConfig.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// WebSocket transport. Its own metrics come from the session layer,
	// not the HTTP wrapper, since connections are long-lived.
	mux.Handle("/ws", NewWSHandler(h.sessionMgr, h.logger))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
		handler(ww, r)

		if h.metrics == nil {
			return
		}
		statusCode := fmt.Sprintf("%d", ww.statusCode)
		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, time.Since(startTime))

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("starting HTTP API server", slog.String("address", h.server.Addr))

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tcpStats := h.tcpServer.GetStatistics()
	schedStats := h.sched.Stats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "stt-server",
			"version": "1.0.0",
		},
		"engine": map[string]interface{}{
			"device":            h.profile.Device,
			"model":             h.profile.Model,
			"compute_precision": h.profile.ComputePrecision,
			"concurrency":       h.profile.Concurrency,
			"native_backend":    engine.NativeAvailable(),
		},
		"components": map[string]interface{}{
			"tcp_server": map[string]interface{}{
				"status":          "running",
				"frames_received": tcpStats.FramesReceived,
				"parse_errors":    tcpStats.ParseErrors,
			},
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": tcpStats.ActiveSessions,
			},
			"scheduler": map[string]interface{}{
				"status":    "running",
				"queued":    schedStats.Queued,
				"in_flight": schedStats.InFlight,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.sessionMgr.AllStats()
	response := map[string]interface{}{
		"total_sessions": len(stats),
		"timestamp":      time.Now().UTC(),
		"sessions":       stats,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := r.URL.Path[len("/sessions/"):]
	if id == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	p, exists := h.sessionMgr.GetSession(id)
	if !exists {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(p.Stats())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"host":                    h.config.Server.Host,
			"port":                    h.config.Server.Port,
			"max_concurrent_sessions": h.config.Server.MaxConcurrentSessions,
			"session_timeout":         h.config.Server.SessionTimeout,
		},
		"audio": map[string]interface{}{
			"sample_rate":         h.config.Audio.SampleRate,
			"channels":            h.config.Audio.Channels,
			"bit_depth":           h.config.Audio.BitDepth,
			"max_buffer_duration": h.config.Audio.MaxBufferDuration,
			"drain_timeout":       h.config.Audio.DrainTimeout,
		},
		"vad": map[string]interface{}{
			"activation_threshold":   h.config.VAD.ActivationThreshold,
			"deactivation_threshold": h.config.VAD.DeactivationThreshold,
			"debounce_ms":            h.config.VAD.DebounceMs,
			"hangover_ms":            h.config.VAD.HangoverMs,
			"min_segment_ms":         h.config.VAD.MinSegmentMs,
			"max_segment_ms":         h.config.VAD.MaxSegmentMs,
		},
		"engine": map[string]interface{}{
			"device":            h.profile.Device,
			"model":             h.profile.Model,
			"compute_precision": h.profile.ComputePrecision,
			"language":          h.config.Engine.Language,
			"model_dir":         h.config.Engine.ModelDir,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tcpStats := h.tcpServer.GetStatistics()
	schedStats := h.sched.Stats()

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"tcp": map[string]interface{}{
			"connections_accepted": tcpStats.ConnectionsAccepted,
			"connections_rejected": tcpStats.ConnectionsRejected,
			"frames_received":      tcpStats.FramesReceived,
			"parse_errors":         tcpStats.ParseErrors,
		},
		"scheduler": schedStats,
		"sessions": map[string]interface{}{
			"active_count": h.sessionMgr.SessionCount(),
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Streaming Speech-to-Text Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":              "API documentation",
			"GET /health":        "Service health check",
			"GET /sessions":      "List all active sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
			"GET /ws":            "WebSocket transcription transport",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
