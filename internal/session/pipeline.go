package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kevinraymond/stt-server/internal/audio"
	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/engine"
	"github.com/kevinraymond/stt-server/internal/metrics"
	"github.com/kevinraymond/stt-server/internal/protocol"
	"github.com/kevinraymond/stt-server/internal/vad"
)

// ErrSessionClosed rejects audio arriving after the session shut down.
var ErrSessionClosed = errors.New("session: closed")

// Sender delivers transcripts and error notices back to the client.
// Implementations serialize their own writes; the pipeline calls them
// from its delivery goroutine, never from scheduler workers.
type Sender interface {
	SendTranscript(p protocol.TranscriptPayload, isFinal bool) error
	SendError(kind, message string) error
}

// segmentMeta remembers where a submitted segment sat in the sample
// stream so its transcript can carry absolute timing.
type segmentMeta struct {
	startSample int64
	endSample   int64
	final       bool
}

// Pipeline is one client's transcription session: it buffers frames,
// segments them, submits closed segments to the shared engine scheduler
// and delivers transcripts back in submission order even when inference
// finishes out of order.
//
// HandleFrame, SetLanguage, EndOfStream and Close are called from the
// connection's reader goroutine. Scheduler workers only hand results
// over; the client writes happen on a per-session delivery goroutine,
// so a stalled client blocks its own session and nothing else.
type Pipeline struct {
	ID string

	log     *slog.Logger
	metrics *metrics.Metrics
	cfg     *config.Config
	sched   *engine.Scheduler
	sender  Sender

	dumpDir string

	// mu guards the segmentation state (buf, seg, seqGaps), the reorder
	// maps and the lifecycle fields below.
	mu  sync.Mutex
	buf *audio.FrameBuffer
	seg *vad.Segmenter
	// seqGaps mirrors the buffer's gap counter so each new gap is
	// reported to metrics exactly once.
	seqGaps      uint64
	language     string
	nextSubmit   uint64
	nextDeliver  uint64
	results      map[uint64]engine.TaskResult
	meta         map[uint64]segmentMeta
	closed       bool
	drainCh      chan struct{}
	lastActivity time.Time

	// deliverCh wakes the delivery goroutine; quit stops it and done
	// reports that it has exited.
	deliverCh chan struct{}
	quit      chan struct{}
	done      chan struct{}

	createdAt time.Time
}

// PipelineStats represents session statistics for monitoring
type PipelineStats struct {
	ID           string            `json:"id"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Language     string            `json:"language"`
	Outstanding  int               `json:"outstanding_segments"`
	Buffer       audio.BufferStats `json:"buffer"`
	Segmenter    vad.Stats         `json:"segmenter"`
}

// NewPipeline creates a session pipeline. The caller owns the sender's
// lifetime; the pipeline never closes it.
func NewPipeline(id string, cfg *config.Config, sched *engine.Scheduler, sender Sender, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	buf := audio.NewFrameBuffer(cfg.Audio.SampleRate, cfg.Audio.GetMaxBufferDuration())
	seg, err := vad.NewSegmenter(vad.Config{
		SampleRate:            cfg.Audio.SampleRate,
		ActivationThreshold:   cfg.VAD.ActivationThreshold,
		DeactivationThreshold: cfg.VAD.DeactivationThreshold,
		Debounce:              cfg.VAD.GetDebounce(),
		Hangover:              cfg.VAD.GetHangover(),
		MinSegment:            cfg.VAD.GetMinSegment(),
		MaxSegment:            cfg.VAD.GetMaxSegment(),
	})
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", id, err)
	}

	now := time.Now()
	p := &Pipeline{
		ID:           id,
		log:          logger.With("session_id", id),
		metrics:      m,
		cfg:          cfg,
		sched:        sched,
		sender:       sender,
		buf:          buf,
		seg:          seg,
		dumpDir:      cfg.Engine.SegmentDumpDir,
		language:     cfg.Engine.Language,
		results:      make(map[uint64]engine.TaskResult),
		meta:         make(map[uint64]segmentMeta),
		deliverCh:    make(chan struct{}, 1),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
		createdAt:    now,
		lastActivity: now,
	}
	go p.deliveryLoop()
	return p, nil
}

// HandleFrame ingests one sequenced PCM frame. Stale frames are rejected;
// a buffer overflow forces a segment cut and the frame is still accepted.
func (p *Pipeline) HandleFrame(sequence uint32, pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrSessionClosed
	}
	p.lastActivity = time.Now()

	startOffset, err := p.buf.Append(sequence, pcm)
	if err != nil {
		switch {
		case errors.Is(err, audio.ErrStaleFrame):
			if p.metrics != nil {
				p.metrics.RecordFrameRejected()
			}
			return err
		case errors.Is(err, audio.ErrBufferOverflow):
			// The frame was kept; cut the open segment so the buffer
			// can be trimmed before the bound is breached again.
			p.log.Warn("audio buffer overflow, forcing segment cut",
				"retained", p.buf.RetainedDuration())
			if b := p.seg.ForceCut(); b != nil {
				p.handleBoundaryLocked(b, false)
			}
		default:
			if p.metrics != nil {
				p.metrics.RecordFrameRejected()
			}
			return err
		}
	}
	if p.metrics != nil {
		p.metrics.RecordFrameReceived()
		if gaps := p.buf.Stats().SequenceGaps; gaps > p.seqGaps {
			p.seqGaps = gaps
			p.metrics.RecordFrameGap()
		}
	}

	samples := audio.DecodePCM16(pcm)
	boundary, err := p.seg.Process(samples, startOffset)
	if err != nil {
		return fmt.Errorf("session %s: %w", p.ID, err)
	}
	if boundary != nil {
		// Forced cuts continue the utterance, so their transcripts are
		// partial; silence-closed segments are final.
		p.handleBoundaryLocked(boundary, !boundary.Forced)
	}

	p.buf.TrimBefore(p.seg.RetainFrom())
	return nil
}

// SetLanguage changes the decoding language for segments submitted from
// now on. "auto" re-enables detection and pinning.
func (p *Pipeline) SetLanguage(lang string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.language = lang
	p.log.Info("language set", "language", lang)
}

// Language returns the currently effective language.
func (p *Pipeline) Language() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.language
}

// EndOfStream flushes the open segment, if any, as a final transcript.
// More audio may still follow; the segmenter simply starts fresh.
func (p *Pipeline) EndOfStream() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if b := p.seg.Flush(); b != nil {
		p.handleBoundaryLocked(b, true)
	}
	p.buf.TrimBefore(p.seg.RetainFrom())
}

// Close flushes the open segment and waits for outstanding transcription
// results until the context expires, then cancels whatever is left. It is
// safe to call once; audio arriving afterwards is rejected. The delivery
// goroutine is stopped before Close returns.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if b := p.seg.Flush(); b != nil {
		p.handleBoundaryLocked(b, true)
	}
	var ch chan struct{}
	if p.outstandingLocked() > 0 {
		p.drainCh = make(chan struct{})
		ch = p.drainCh
	}
	p.mu.Unlock()

	var err error
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			p.sched.CancelSession(p.ID)
			err = fmt.Errorf("session %s: drain timed out: %w", p.ID, ctx.Err())
		}
	}
	close(p.quit)
	<-p.done
	return err
}

// Abort closes the session without draining, dropping queued segments.
// Used when the client connection is already gone.
func (p *Pipeline) Abort() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.sched.CancelSession(p.ID)
	close(p.quit)
	<-p.done
}

// CreatedAt returns the session creation time
func (p *Pipeline) CreatedAt() time.Time { return p.createdAt }

// IdleSince returns the time of the last received frame
func (p *Pipeline) IdleSince() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastActivity
}

// Stats returns current session statistics
func (p *Pipeline) Stats() PipelineStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PipelineStats{
		ID:           p.ID,
		CreatedAt:    p.createdAt,
		LastActivity: p.lastActivity,
		Language:     p.language,
		Outstanding:  p.outstandingLocked(),
		Buffer:       p.buf.Stats(),
		Segmenter:    p.seg.Stats(),
	}
}

// handleBoundaryLocked extracts the closed segment and submits it for
// transcription. Discarded boundaries only advance the buffer. The
// caller holds p.mu.
func (p *Pipeline) handleBoundaryLocked(b *vad.Boundary, final bool) {
	if b.Discarded {
		if p.metrics != nil {
			p.metrics.RecordSegmentDiscarded()
		}
		p.log.Debug("segment discarded", "start", b.Start, "end", b.End)
		return
	}

	samples, err := p.buf.Extract(b.Start, b.End)
	if err != nil {
		p.log.Error("segment extraction failed", "start", b.Start, "end", b.End, "error", err)
		return
	}
	if p.metrics != nil {
		p.metrics.RecordSegmentEmitted(b.Duration(p.buf.SampleRate()), b.Forced)
	}
	if p.dumpDir != "" {
		p.dumpSegment(samples, b)
	}

	idx := p.nextSubmit
	p.nextSubmit++
	p.meta[idx] = segmentMeta{startSample: b.Start, endSample: b.End, final: final}

	task := &engine.Task{
		SessionID:  p.ID,
		Index:      idx,
		Samples:    audio.ToFloat32(samples),
		SampleRate: p.buf.SampleRate(),
		Language:   p.language,
		Deliver:    p.onResult,
	}
	if err := p.sched.Submit(task); err != nil {
		delete(p.meta, idx)
		p.nextSubmit = idx
		p.log.Warn("segment submission rejected", "segment", idx, "error", err)
		// Notify off the ingest path; the client write may block.
		go p.sendError("overloaded", "transcription queue full, segment dropped")
	}
}

// onResult hands one completed (or dropped) task to the delivery
// goroutine. Called from scheduler workers; it never blocks and never
// touches the client connection.
func (p *Pipeline) onResult(r engine.TaskResult) {
	p.mu.Lock()
	p.results[r.Index] = r
	p.mu.Unlock()

	select {
	case p.deliverCh <- struct{}{}:
	default:
	}
}

// deliveryLoop writes transcripts to the client in submission order.
// It exits when quit is closed, after one last sweep of anything still
// deliverable.
func (p *Pipeline) deliveryLoop() {
	defer close(p.done)
	for {
		select {
		case <-p.deliverCh:
			p.deliverReady()
		case <-p.quit:
			p.deliverReady()
			return
		}
	}
}

// deliverReady flushes every result deliverable in submission order,
// performing the client writes outside the lock.
func (p *Pipeline) deliverReady() {
	for {
		p.mu.Lock()
		r, ok := p.results[p.nextDeliver]
		if !ok {
			if p.drainCh != nil && p.outstandingLocked() == 0 {
				close(p.drainCh)
				p.drainCh = nil
			}
			p.mu.Unlock()
			return
		}
		m := p.meta[p.nextDeliver]
		delete(p.results, p.nextDeliver)
		delete(p.meta, p.nextDeliver)
		p.nextDeliver++

		// Pin the detected language so later segments of the same
		// utterance do not flip languages mid-stream.
		if r.Err == nil && p.language == "auto" && r.Result.Language != "" && r.Result.Language != "auto" {
			p.language = r.Result.Language
			p.log.Info("language pinned", "language", p.language)
		}
		p.mu.Unlock()

		p.deliver(r, m)
	}
}

func (p *Pipeline) deliver(r engine.TaskResult, m segmentMeta) {
	if r.Err != nil {
		if errors.Is(r.Err, engine.ErrSessionCanceled) || errors.Is(r.Err, engine.ErrSchedulerStopped) ||
			errors.Is(r.Err, context.Canceled) {
			return
		}
		// One lost segment does not end the session.
		p.log.Warn("segment transcription failed", "segment", r.Index, "error", r.Err)
		p.sendError("transcription_failed", fmt.Sprintf("segment %d could not be transcribed", r.Index))
		return
	}

	if r.Result.Text == "" {
		return
	}

	rate := p.buf.SampleRate()
	payload := protocol.TranscriptPayload{
		Text:     r.Result.Text,
		Language: r.Result.Language,
		StartMs:  audio.MillisForSamples(m.startSample, rate),
		EndMs:    audio.MillisForSamples(m.endSample, rate),
	}
	if err := p.sender.SendTranscript(payload, m.final); err != nil {
		p.log.Debug("transcript delivery failed", "segment", r.Index, "error", err)
	}
}

func (p *Pipeline) sendError(kind, message string) {
	if err := p.sender.SendError(kind, message); err != nil {
		p.log.Debug("error delivery failed", "kind", kind, "error", err)
	}
}

func (p *Pipeline) outstandingLocked() int {
	return int(p.nextSubmit - p.nextDeliver)
}

// dumpSegment writes the extracted segment as a WAV file for offline
// inspection. Failures are logged and otherwise ignored.
func (p *Pipeline) dumpSegment(samples []int16, b *vad.Boundary) {
	name := fmt.Sprintf("%s-%d-%d.wav", p.ID, b.Start, b.End)
	data, err := audio.EncodeWAV(samples, p.buf.SampleRate())
	if err != nil {
		p.log.Warn("segment dump encoding failed", "file", name, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(p.dumpDir, name), data, 0o644); err != nil {
		p.log.Warn("segment dump failed", "file", name, "error", err)
	}
}
