package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kevinraymond/stt-server/internal/audio"
	"github.com/kevinraymond/stt-server/internal/config"
	"github.com/kevinraymond/stt-server/internal/engine"
	"github.com/kevinraymond/stt-server/internal/protocol"
)

// captureSender records everything the pipeline delivers
type captureSender struct {
	mu          sync.Mutex
	transcripts []capturedTranscript
	errors      []capturedError
}

type capturedTranscript struct {
	payload protocol.TranscriptPayload
	final   bool
}

type capturedError struct {
	kind    string
	message string
}

func (c *captureSender) SendTranscript(p protocol.TranscriptPayload, isFinal bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcripts = append(c.transcripts, capturedTranscript{payload: p, final: isFinal})
	return nil
}

func (c *captureSender) SendError(kind, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, capturedError{kind: kind, message: message})
	return nil
}

func (c *captureSender) captured() ([]capturedTranscript, []capturedError) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedTranscript(nil), c.transcripts...),
		append([]capturedError(nil), c.errors...)
}

// echoEngine returns a transcript naming the segment duration. An optional
// delay function introduces per-call latency; failFirst makes the first
// call fail.
type echoEngine struct {
	calls     atomic.Uint64
	delay     func(call uint64) time.Duration
	failFirst bool
	language  string // returned when the hint is "auto"
}

func (e *echoEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (engine.Result, error) {
	call := e.calls.Add(1)
	if e.delay != nil {
		select {
		case <-time.After(e.delay(call)):
		case <-ctx.Done():
			return engine.Result{}, ctx.Err()
		}
	}
	if e.failFirst && call == 1 {
		return engine.Result{}, &engine.TranscribeError{Err: errors.New("inference blew up")}
	}

	lang := language
	if lang == "" || lang == "auto" {
		lang = e.language
		if lang == "" {
			lang = "en"
		}
	}
	durMs := int64(len(samples)) * 1000 / int64(sampleRate)
	return engine.Result{
		Text:     fmt.Sprintf("heard %dms", durMs),
		Language: lang,
	}, nil
}

func (e *echoEngine) Close() error { return nil }

func testPipeline(t *testing.T, eng engine.Engine, workers int) (*Pipeline, *captureSender, *engine.Scheduler) {
	t.Helper()
	cfg := config.Default()
	sched := engine.NewScheduler(eng, workers, nil, nil)
	t.Cleanup(sched.Stop)

	sender := &captureSender{}
	p, err := NewPipeline("test-session", cfg, sched, sender, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline failed: %v", err)
	}
	return p, sender, sched
}

// feedAudio streams count 20ms frames of constant amplitude
func feedAudio(t *testing.T, p *Pipeline, seq *uint32, amplitude int16, count int) {
	t.Helper()
	samples := make([]int16, 320) // 20ms at 16kHz
	for i := range samples {
		samples[i] = amplitude
	}
	pcm := audio.EncodePCM16(samples)
	for i := 0; i < count; i++ {
		*seq++
		if err := p.HandleFrame(*seq, pcm); err != nil {
			t.Fatalf("HandleFrame(seq=%d) failed: %v", *seq, err)
		}
	}
}

func closePipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestPipelineSilenceProducesNothing(t *testing.T) {
	p, sender, _ := testPipeline(t, &echoEngine{}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 0, 250) // 5 seconds of silence
	closePipeline(t, p)

	transcripts, errs := sender.captured()
	if len(transcripts) != 0 {
		t.Errorf("expected no transcripts from silence, got %d", len(transcripts))
	}
	if len(errs) != 0 {
		t.Errorf("expected no errors, got %v", errs)
	}
}

func TestPipelineSpeechYieldsFinalTranscript(t *testing.T) {
	p, sender, _ := testPipeline(t, &echoEngine{}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 8000, 150) // 3s speech
	feedAudio(t, p, &seq, 0, 100)    // 2s silence
	closePipeline(t, p)

	transcripts, _ := sender.captured()
	if len(transcripts) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(transcripts))
	}
	tr := transcripts[0]
	if !tr.final {
		t.Error("silence-closed segment must be final")
	}
	if tr.payload.StartMs != 0 {
		t.Errorf("StartMs = %d, want 0", tr.payload.StartMs)
	}
	if tr.payload.EndMs != 3600 { // 3s speech plus 600ms hangover
		t.Errorf("EndMs = %d, want 3600", tr.payload.EndMs)
	}
	if tr.payload.Text == "" {
		t.Error("expected non-empty transcript text")
	}
}

func TestPipelineForcedCutsYieldPartials(t *testing.T) {
	p, sender, _ := testPipeline(t, &echoEngine{}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 8000, 45*50) // 45s continuous speech, 20s max segment
	closePipeline(t, p)

	transcripts, _ := sender.captured()
	if len(transcripts) != 3 {
		t.Fatalf("expected 3 transcripts, got %d", len(transcripts))
	}

	for i, tr := range transcripts[:2] {
		if tr.final {
			t.Errorf("forced-cut transcript %d must be partial", i)
		}
	}
	if !transcripts[2].final {
		t.Error("flushed remainder must be final")
	}

	// Contiguous coverage with no gaps
	wantBounds := [][2]int64{{0, 20000}, {20000, 40000}, {40000, 45000}}
	for i, tr := range transcripts {
		if tr.payload.StartMs != wantBounds[i][0] || tr.payload.EndMs != wantBounds[i][1] {
			t.Errorf("transcript %d: [%d, %d], want %v",
				i, tr.payload.StartMs, tr.payload.EndMs, wantBounds[i])
		}
	}
}

func TestPipelineOrderedDeliveryUnderLatencyVariance(t *testing.T) {
	// Early segments take longest, so later segments finish inference
	// first and must be held back for ordered delivery.
	eng := &echoEngine{
		delay: func(call uint64) time.Duration {
			if call > 4 {
				return 0
			}
			return time.Duration(5-call) * 60 * time.Millisecond
		},
	}
	p, sender, _ := testPipeline(t, eng, 2)

	var seq uint32
	for i := 0; i < 4; i++ {
		feedAudio(t, p, &seq, 8000, 50) // 1s speech
		feedAudio(t, p, &seq, 0, 50)    // 1s silence closes the segment
	}
	closePipeline(t, p)

	transcripts, _ := sender.captured()
	if len(transcripts) != 4 {
		t.Fatalf("expected 4 transcripts, got %d", len(transcripts))
	}
	for i := 1; i < len(transcripts); i++ {
		if transcripts[i].payload.StartMs <= transcripts[i-1].payload.StartMs {
			t.Errorf("transcripts out of order: %d starts at %d after %d",
				i, transcripts[i].payload.StartMs, transcripts[i-1].payload.StartMs)
		}
	}
}

func TestPipelineTranscriptionErrorKeepsSessionAlive(t *testing.T) {
	p, sender, _ := testPipeline(t, &echoEngine{failFirst: true}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 8000, 50) // first segment, inference fails
	feedAudio(t, p, &seq, 0, 50)
	feedAudio(t, p, &seq, 8000, 50) // second segment succeeds
	feedAudio(t, p, &seq, 0, 50)
	closePipeline(t, p)

	transcripts, errs := sender.captured()
	if len(errs) != 1 {
		t.Fatalf("expected 1 error notice, got %d", len(errs))
	}
	if errs[0].kind != "transcription_failed" {
		t.Errorf("error kind = %q, want transcription_failed", errs[0].kind)
	}
	if len(transcripts) != 1 {
		t.Fatalf("expected the second segment's transcript, got %d", len(transcripts))
	}
	if !transcripts[0].final {
		t.Error("surviving transcript should be final")
	}
}

func TestPipelineLanguagePinning(t *testing.T) {
	p, sender, _ := testPipeline(t, &echoEngine{language: "uk"}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 8000, 50)
	feedAudio(t, p, &seq, 0, 50)
	closePipeline(t, p)

	transcripts, _ := sender.captured()
	if len(transcripts) != 1 {
		t.Fatalf("expected 1 transcript, got %d", len(transcripts))
	}
	if transcripts[0].payload.Language != "uk" {
		t.Errorf("transcript language = %q, want uk", transcripts[0].payload.Language)
	}
	if got := p.Language(); got != "uk" {
		t.Errorf("pipeline language = %q, want pinned uk", got)
	}
}

func TestPipelineExplicitLanguageOverride(t *testing.T) {
	p, _, _ := testPipeline(t, &echoEngine{}, 1)

	p.SetLanguage("de")
	if got := p.Language(); got != "de" {
		t.Errorf("Language() = %q, want de", got)
	}
	closePipeline(t, p)
}

func TestPipelineRejectsStaleFrames(t *testing.T) {
	p, _, _ := testPipeline(t, &echoEngine{}, 1)
	defer closePipeline(t, p)

	pcm := audio.EncodePCM16(make([]int16, 320))
	if err := p.HandleFrame(5, pcm); err != nil {
		t.Fatalf("HandleFrame(5) failed: %v", err)
	}
	if err := p.HandleFrame(3, pcm); !errors.Is(err, audio.ErrStaleFrame) {
		t.Errorf("HandleFrame(3) error = %v, want ErrStaleFrame", err)
	}
	if err := p.HandleFrame(5, pcm); !errors.Is(err, audio.ErrStaleFrame) {
		t.Errorf("duplicate HandleFrame(5) error = %v, want ErrStaleFrame", err)
	}
}

func TestPipelineRejectsFramesAfterClose(t *testing.T) {
	p, _, _ := testPipeline(t, &echoEngine{}, 1)
	closePipeline(t, p)

	pcm := audio.EncodePCM16(make([]int16, 320))
	if err := p.HandleFrame(1, pcm); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("HandleFrame after close: error = %v, want ErrSessionClosed", err)
	}
}

func TestPipelineCloseIsIdempotent(t *testing.T) {
	p, _, _ := testPipeline(t, &echoEngine{}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 8000, 50)
	closePipeline(t, p)
	closePipeline(t, p) // second close is a no-op
}

// stalledSender blocks every transcript write until released, modeling a
// client that stopped reading its socket.
type stalledSender struct {
	captureSender
	entered chan struct{}
	release chan struct{}
}

func (s *stalledSender) SendTranscript(p protocol.TranscriptPayload, isFinal bool) error {
	s.entered <- struct{}{}
	<-s.release
	return s.captureSender.SendTranscript(p, isFinal)
}

func TestPipelineStalledClientDoesNotStarveOtherSessions(t *testing.T) {
	cfg := config.Default()
	sched := engine.NewScheduler(&echoEngine{}, 1, nil, nil)
	defer sched.Stop()

	stalled := &stalledSender{
		entered: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	a, err := NewPipeline("session-a", cfg, sched, stalled, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline(a) failed: %v", err)
	}
	captureB := &captureSender{}
	b, err := NewPipeline("session-b", cfg, sched, captureB, nil, nil)
	if err != nil {
		t.Fatalf("NewPipeline(b) failed: %v", err)
	}

	// Session a emits one segment and its transcript write gets stuck.
	var seqA uint32
	feedAudio(t, a, &seqA, 8000, 50)
	feedAudio(t, a, &seqA, 0, 100)
	select {
	case <-stalled.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("session a transcript never reached the sender")
	}

	// With a's write stuck, session b must still get transcripts from
	// the shared single-worker scheduler.
	var seqB uint32
	feedAudio(t, b, &seqB, 8000, 50)
	feedAudio(t, b, &seqB, 0, 100)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if transcripts, _ := captureB.captured(); len(transcripts) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session b transcript held up behind the stalled client")
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(stalled.release)
	closePipeline(t, a)
	closePipeline(t, b)

	if transcripts, _ := stalled.captured(); len(transcripts) != 1 {
		t.Errorf("session a: expected 1 transcript after release, got %d", len(transcripts))
	}
}

func TestPipelineStatsDuringIngest(t *testing.T) {
	// Monitoring reads race stream ingest; run with -race to make this
	// test meaningful.
	p, _, _ := testPipeline(t, &echoEngine{}, 1)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			p.Stats()
			p.IdleSince()
			p.Language()
		}
	}()

	var seq uint32
	for i := 0; i < 20; i++ {
		feedAudio(t, p, &seq, 8000, 10)
		feedAudio(t, p, &seq, 0, 10)
	}
	p.EndOfStream()
	close(stop)
	wg.Wait()
	closePipeline(t, p)
}

func TestPipelineEndOfStreamFlushesOpenSegment(t *testing.T) {
	p, sender, _ := testPipeline(t, &echoEngine{}, 1)

	var seq uint32
	feedAudio(t, p, &seq, 8000, 100) // 2s speech still open
	p.EndOfStream()
	closePipeline(t, p)

	transcripts, _ := sender.captured()
	if len(transcripts) != 1 {
		t.Fatalf("expected 1 transcript from flush, got %d", len(transcripts))
	}
	if !transcripts[0].final {
		t.Error("end-of-stream transcript must be final")
	}
	if transcripts[0].payload.EndMs != 2000 {
		t.Errorf("EndMs = %d, want 2000", transcripts[0].payload.EndMs)
	}
}
