package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	// Transport frame metrics
	FramesReceived prometheus.Counter
	FramesRejected prometheus.Counter
	FrameGaps      prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Segmentation metrics
	SegmentsEmitted   prometheus.Counter
	SegmentsForced    prometheus.Counter
	SegmentsDiscarded prometheus.Counter
	SegmentDuration   prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests  prometheus.Counter
	TranscriptionSuccesses prometheus.Counter
	TranscriptionFailures  prometheus.Counter
	TranscriptionDuration  prometheus.Histogram
	QueueDepth             prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		// Transport frame metrics
		FramesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_frames_received_total",
			Help: "Total number of audio frames received",
		}),
		FramesRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_frames_rejected_total",
			Help: "Total number of audio frames rejected as stale or malformed",
		}),
		FrameGaps: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_frame_gaps_total",
			Help: "Total number of sequence gaps observed in frame streams",
		}),

		// Session metrics
		ActiveSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_active_sessions",
			Help: "Current number of active transcription sessions",
		}),
		SessionsCreated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsDestroyed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_sessions_destroyed_total",
			Help: "Total number of sessions destroyed",
		}),
		SessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_session_duration_seconds",
			Help:    "Duration of transcription sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68 minutes
		}),

		// Segmentation metrics
		SegmentsEmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_segments_emitted_total",
			Help: "Total number of speech segments emitted for transcription",
		}),
		SegmentsForced: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_segments_forced_total",
			Help: "Total number of segments closed by a forced cut",
		}),
		SegmentsDiscarded: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_segments_discarded_total",
			Help: "Total number of segments discarded as below minimum duration",
		}),
		SegmentDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_segment_duration_seconds",
			Help:    "Duration of emitted speech segments",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 8), // 250ms to ~32s
		}),

		// Transcription metrics
		TranscriptionRequests: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_requests_total",
			Help: "Total number of segments submitted to the engine",
		}),
		TranscriptionSuccesses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_successes_total",
			Help: "Total number of successful transcriptions",
		}),
		TranscriptionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stt_transcription_failures_total",
			Help: "Total number of failed transcriptions",
		}),
		TranscriptionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "stt_transcription_duration_seconds",
			Help:    "Wall time of engine inference per segment",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 11), // 50ms to ~51s
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stt_engine_queue_depth",
			Help: "Current number of segments waiting for the engine",
		}),

		// HTTP API metrics
		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stt_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stt_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordFrameReceived increments the frames received counter
func (m *Metrics) RecordFrameReceived() {
	m.FramesReceived.Inc()
}

// RecordFrameRejected increments the frames rejected counter
func (m *Metrics) RecordFrameRejected() {
	m.FramesRejected.Inc()
}

// RecordFrameGap increments the sequence gap counter
func (m *Metrics) RecordFrameGap() {
	m.FrameGaps.Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionDestroyed increments the sessions destroyed counter and records duration
func (m *Metrics) RecordSessionDestroyed(duration time.Duration) {
	m.SessionsDestroyed.Inc()
	m.SessionDuration.Observe(duration.Seconds())
}

// RecordSegmentEmitted records one emitted segment and its duration
func (m *Metrics) RecordSegmentEmitted(duration time.Duration, forced bool) {
	m.SegmentsEmitted.Inc()
	m.SegmentDuration.Observe(duration.Seconds())
	if forced {
		m.SegmentsForced.Inc()
	}
}

// RecordSegmentDiscarded increments the discarded segments counter
func (m *Metrics) RecordSegmentDiscarded() {
	m.SegmentsDiscarded.Inc()
}

// RecordTranscription records one engine inference and its outcome
func (m *Metrics) RecordTranscription(duration time.Duration, success bool) {
	m.TranscriptionRequests.Inc()
	m.TranscriptionDuration.Observe(duration.Seconds())
	if success {
		m.TranscriptionSuccesses.Inc()
	} else {
		m.TranscriptionFailures.Inc()
	}
}

// SetQueueDepth sets the current engine queue depth
func (m *Metrics) SetQueueDepth(depth int) {
	m.QueueDepth.Set(float64(depth))
}

// RecordHTTPRequest records an HTTP request with its duration
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, duration time.Duration) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
