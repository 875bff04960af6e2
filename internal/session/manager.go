package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/engine"
	"github.com/kevinraymond/stt-server/internal/metrics"
)

// ErrTooManySessions rejects a new connection at the session limit.
var ErrTooManySessions = errors.New("session: concurrent session limit reached")

// Manager owns all active session pipelines. It enforces the concurrent
// session limit, assigns session IDs and reaps sessions whose clients
// went silent without disconnecting.
type Manager struct {
	logger  *slog.Logger
	cfg     *config.Config
	sched   *engine.Scheduler
	metrics *metrics.Metrics

	mu       sync.RWMutex
	sessions map[string]*Pipeline

	ctx     context.Context
	cancel  context.CancelFunc
	cleanup chan struct{}
}

// NewManager creates a session manager and starts its cleanup routine
func NewManager(cfg *config.Config, sched *engine.Scheduler, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	mgr := &Manager{
		logger:   logger,
		cfg:      cfg,
		sched:    sched,
		metrics:  m,
		sessions: make(map[string]*Pipeline),
		ctx:      ctx,
		cancel:   cancel,
		cleanup:  make(chan struct{}),
	}

	go mgr.startCleanupRoutine()

	return mgr
}

// CreateSession registers a new session for the given sender and returns
// its pipeline. It fails with ErrTooManySessions at the configured limit.
func (m *Manager) CreateSession(sender Sender) (*Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.cfg.Server.MaxConcurrentSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	p, err := NewPipeline(id, m.cfg, m.sched, sender, m.logger, m.metrics)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = p

	if m.metrics != nil {
		m.metrics.RecordSessionCreated()
		m.metrics.SetActiveSessions(len(m.sessions))
	}
	m.logger.Info("session created",
		slog.String("session_id", id),
		slog.Int("active_sessions", len(m.sessions)),
	)

	return p, nil
}

// GetSession retrieves an active session pipeline
func (m *Manager) GetSession(id string) (*Pipeline, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.sessions[id]
	return p, ok
}

// SessionCount returns the number of active sessions
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// AllStats returns a snapshot of every active session's statistics
func (m *Manager) AllStats() []PipelineStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PipelineStats, 0, len(m.sessions))
	for _, p := range m.sessions {
		stats = append(stats, p.Stats())
	}
	return stats
}

// RemoveSession closes a session and unregisters it. When drain is true
// the pipeline flushes its open segment and waits out pending results up
// to the configured drain timeout; otherwise queued work is dropped.
// Removing an unknown or already removed session is a no-op.
func (m *Manager) RemoveSession(id string, drain bool) bool {
	m.mu.Lock()
	p, exists := m.sessions[id]
	if !exists {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, id)
	remaining := len(m.sessions)
	m.mu.Unlock()

	if drain {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.Audio.GetDrainTimeout())
		if err := p.Close(ctx); err != nil {
			m.logger.Warn("session close incomplete",
				slog.String("session_id", id),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	} else {
		p.Abort()
	}

	duration := time.Since(p.CreatedAt())
	if m.metrics != nil {
		m.metrics.RecordSessionDestroyed(duration)
		m.metrics.SetActiveSessions(remaining)
	}
	m.logger.Info("session removed",
		slog.String("session_id", id),
		slog.Duration("duration", duration),
		slog.Int("active_sessions", remaining),
	)

	return true
}

// Stop gracefully stops the manager, draining every active session
func (m *Manager) Stop() {
	m.logger.Info("stopping session manager...")

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.RemoveSession(id, true)
	}

	m.cancel()
	<-m.cleanup

	m.logger.Info("session manager stopped", slog.Int("remaining_sessions", m.SessionCount()))
}

// startCleanupRoutine reaps sessions idle past the session timeout
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	const checkInterval = 30 * time.Second
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	m.logger.Info("session cleanup routine started",
		slog.Duration("timeout", m.cfg.Server.GetSessionTimeout()),
		slog.Duration("check_interval", checkInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			m.logger.Info("session cleanup routine stopping")
			return
		case <-ticker.C:
			m.cleanupExpiredSessions()
		}
	}
}

// cleanupExpiredSessions removes sessions that have been inactive too long
func (m *Manager) cleanupExpiredSessions() {
	timeout := m.cfg.Server.GetSessionTimeout()
	now := time.Now()

	m.mu.RLock()
	expired := make([]string, 0)
	for id, p := range m.sessions {
		if now.Sub(p.IdleSince()) > timeout {
			expired = append(expired, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range expired {
		m.logger.Info("removing expired session", slog.String("session_id", id))
		m.RemoveSession(id, true)
	}
}
