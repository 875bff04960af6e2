package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kevinraymond/stt-server/internal/metrics"
)

var (
	// ErrSchedulerStopped is delivered for tasks still queued at shutdown.
	ErrSchedulerStopped = errors.New("engine: scheduler stopped")
	// ErrSessionCanceled is delivered for tasks dropped by CancelSession.
	ErrSessionCanceled = errors.New("engine: session canceled")
	// ErrQueueFull rejects a submission when the session already has the
	// maximum number of segments waiting.
	ErrQueueFull = errors.New("engine: session queue full")
)

// maxQueuePerSession bounds how many segments one session may have
// waiting. A session producing segments faster than the engine can drain
// them is overloaded, not entitled to more of the shared model.
const maxQueuePerSession = 32

// Task is one segment submitted for transcription. Index is the
// session-local submission order; callers use it to re-order results.
// Deliver is invoked exactly once, from a scheduler goroutine.
type Task struct {
	SessionID  string
	Index      uint64
	Samples    []float32
	SampleRate int
	Language   string
	Deliver    func(TaskResult)
}

// TaskResult carries the outcome of one task back to its session.
type TaskResult struct {
	Index  uint64
	Result Result
	Err    error
}

// Scheduler shares one Engine across all sessions. Each session has a
// FIFO queue; workers drain the queues round-robin so a session streaming
// heavily cannot starve the others. The worker count bounds concurrent
// inference, which on GPU profiles is what keeps the device from
// oversubscribing.
type Scheduler struct {
	eng     Engine
	log     *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	queues   map[string][]*Task
	ring     []string
	queued   int
	inFlight int
	stopped  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// SchedulerStats represents scheduler statistics for monitoring
type SchedulerStats struct {
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	Sessions int `json:"sessions_with_pending_work"`
}

// NewScheduler creates a scheduler with the given worker count and starts
// its workers. Call Stop to shut down.
func NewScheduler(eng Engine, workers int, logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		eng:     eng,
		log:     logger.With("component", "scheduler"),
		metrics: m,
		queues:  make(map[string][]*Task),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cond = sync.NewCond(&s.mu)

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}
	s.log.Info("scheduler started", "workers", workers)
	return s
}

// Submit queues a task for the session. It returns ErrQueueFull when the
// session's queue is at capacity and ErrSchedulerStopped after Stop.
func (s *Scheduler) Submit(t *Task) error {
	if t == nil || t.Deliver == nil {
		return fmt.Errorf("engine: task requires a delivery callback")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSchedulerStopped
	}
	q, exists := s.queues[t.SessionID]
	if len(q) >= maxQueuePerSession {
		s.mu.Unlock()
		return ErrQueueFull
	}
	s.queues[t.SessionID] = append(q, t)
	if !exists {
		s.ring = append(s.ring, t.SessionID)
	}
	s.queued++
	s.recordDepthLocked()
	s.mu.Unlock()

	s.cond.Signal()
	return nil
}

// CancelSession drops all queued tasks for the session, delivering
// ErrSessionCanceled for each. A task already running completes normally;
// its session is gone, so the result is discarded by the caller.
func (s *Scheduler) CancelSession(sessionID string) {
	s.mu.Lock()
	dropped := s.queues[sessionID]
	delete(s.queues, sessionID)
	for i, sid := range s.ring {
		if sid == sessionID {
			s.ring = append(s.ring[:i], s.ring[i+1:]...)
			break
		}
	}
	s.queued -= len(dropped)
	s.recordDepthLocked()
	s.mu.Unlock()

	for _, t := range dropped {
		t.Deliver(TaskResult{Index: t.Index, Err: ErrSessionCanceled})
	}
	if len(dropped) > 0 {
		s.log.Debug("canceled queued segments", "session_id", sessionID, "count", len(dropped))
	}
}

// Pending returns the number of queued tasks for the session.
func (s *Scheduler) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[sessionID])
}

// Stats returns current scheduler statistics
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Queued:   s.queued,
		InFlight: s.inFlight,
		Sessions: len(s.queues),
	}
}

// Stop shuts the scheduler down. Queued tasks are delivered with
// ErrSchedulerStopped; running inference is interrupted via context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	var remaining []*Task
	for _, q := range s.queues {
		remaining = append(remaining, q...)
	}
	s.queues = make(map[string][]*Task)
	s.ring = nil
	s.queued = 0
	s.recordDepthLocked()
	s.mu.Unlock()

	s.cond.Broadcast()
	s.cancel()

	for _, t := range remaining {
		t.Deliver(TaskResult{Index: t.Index, Err: ErrSchedulerStopped})
	}

	s.wg.Wait()
	s.log.Info("scheduler stopped", "dropped_tasks", len(remaining))
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()
	for {
		t := s.next()
		if t == nil {
			return
		}

		start := time.Now()
		res, err := s.eng.Transcribe(s.ctx, t.Samples, t.SampleRate, t.Language)
		elapsed := time.Since(start)

		if s.metrics != nil {
			s.metrics.RecordTranscription(elapsed, err == nil)
		}
		if err != nil {
			var te *TranscribeError
			if !errors.As(err, &te) && !errors.Is(err, context.Canceled) {
				err = &TranscribeError{Err: err}
			}
			s.log.Warn("transcription failed",
				"session_id", t.SessionID,
				"segment", t.Index,
				"duration", elapsed,
				"error", err)
		}

		t.Deliver(TaskResult{Index: t.Index, Result: res, Err: err})

		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}
}

// next blocks until a task is available or the scheduler stops. Sessions
// are drained round-robin: the session at the front of the ring gives up
// one task and moves to the back.
func (s *Scheduler) next() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for len(s.ring) > 0 {
			sid := s.ring[0]
			s.ring = s.ring[1:]
			q := s.queues[sid]
			if len(q) == 0 {
				// An empty queue never stays in the ring; drop the
				// entry if one appears.
				delete(s.queues, sid)
				continue
			}
			t := q[0]
			if len(q) > 1 {
				s.queues[sid] = q[1:]
				s.ring = append(s.ring, sid)
			} else {
				delete(s.queues, sid)
			}
			s.queued--
			s.inFlight++
			s.recordDepthLocked()
			return t
		}
		if s.stopped {
			return nil
		}
		s.cond.Wait()
	}
}

func (s *Scheduler) recordDepthLocked() {
	if s.metrics != nil {
		s.metrics.SetQueueDepth(s.queued)
	}
}
