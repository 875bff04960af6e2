package vad

import (
	"testing"
	"time"
)

const testSampleRate = 16000

// testConfig returns dictation-oriented thresholds used across tests
func testConfig() Config {
	return Config{
		SampleRate:            testSampleRate,
		ActivationThreshold:   0.6,
		DeactivationThreshold: 0.35,
		Debounce:              240 * time.Millisecond,
		Hangover:              600 * time.Millisecond,
		MinSegment:            300 * time.Millisecond,
		MaxSegment:            20 * time.Second,
	}
}

// frame builds one 20ms frame of constant amplitude
func frame(amplitude int16) []int16 {
	samples := make([]int16, testSampleRate/50)
	for i := range samples {
		samples[i] = amplitude
	}
	return samples
}

// feed pushes count frames of the given amplitude starting at the
// segmenter's current cursor and collects any boundaries emitted
func feed(t *testing.T, s *Segmenter, amplitude int16, count int) []*Boundary {
	t.Helper()
	var boundaries []*Boundary
	f := frame(amplitude)
	for i := 0; i < count; i++ {
		b, err := s.Process(f, s.cursor)
		if err != nil {
			t.Fatalf("Process failed at frame %d: %v", i, err)
		}
		if b != nil {
			boundaries = append(boundaries, b)
		}
	}
	return boundaries
}

func TestNewSegmenterValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }, true},
		{"activation above one", func(c *Config) { c.ActivationThreshold = 1.5 }, true},
		{"deactivation above activation", func(c *Config) { c.DeactivationThreshold = 0.7 }, true},
		{"zero deactivation", func(c *Config) { c.DeactivationThreshold = 0 }, true},
		{"max below min", func(c *Config) { c.MaxSegment = 100 * time.Millisecond }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.modify(&cfg)
			_, err := NewSegmenter(cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSegmenter() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSilenceProducesNoSegments(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	boundaries := feed(t, s, 0, 500) // 10 seconds of silence
	if len(boundaries) != 0 {
		t.Errorf("expected no boundaries from silence, got %d", len(boundaries))
	}
	if b := s.Flush(); b != nil {
		t.Errorf("expected nil from Flush after silence, got %+v", b)
	}
	if s.State() != StateSilence {
		t.Errorf("expected StateSilence, got %v", s.State())
	}
}

func TestSpeechThenSilenceEmitsOneSegment(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	// 3 seconds of speech followed by 2 seconds of silence
	boundaries := feed(t, s, 8000, 150)
	boundaries = append(boundaries, feed(t, s, 0, 100)...)

	if len(boundaries) != 1 {
		t.Fatalf("expected exactly 1 boundary, got %d", len(boundaries))
	}
	b := boundaries[0]
	if b.Forced {
		t.Error("silence-closed boundary should not be forced")
	}
	if b.Discarded {
		t.Error("3s segment should not be discarded")
	}
	if b.Start != 0 {
		t.Errorf("expected segment start 0, got %d", b.Start)
	}
	// End is the start of trailing silence plus the hangover
	wantEnd := int64(3*testSampleRate) + int64(600*testSampleRate/1000)
	if b.End != wantEnd {
		t.Errorf("expected segment end %d, got %d", wantEnd, b.End)
	}
}

func TestShortBlipRejectedByDebounce(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	// 100ms blip is shorter than the 240ms debounce
	boundaries := feed(t, s, 8000, 5)
	boundaries = append(boundaries, feed(t, s, 0, 100)...)

	if len(boundaries) != 0 {
		t.Errorf("expected no boundaries from a sub-debounce blip, got %d", len(boundaries))
	}
	if s.State() != StateSilence {
		t.Errorf("expected StateSilence, got %v", s.State())
	}
}

func TestPauseWithinHangoverContinuesSegment(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	var boundaries []*Boundary
	boundaries = append(boundaries, feed(t, s, 8000, 50)...) // 1s speech
	boundaries = append(boundaries, feed(t, s, 0, 15)...)    // 300ms pause, under hangover
	boundaries = append(boundaries, feed(t, s, 8000, 50)...) // 1s more speech
	boundaries = append(boundaries, feed(t, s, 0, 100)...)   // 2s silence

	if len(boundaries) != 1 {
		t.Fatalf("expected 1 boundary spanning the pause, got %d", len(boundaries))
	}
	if boundaries[0].Start != 0 {
		t.Errorf("expected segment start 0, got %d", boundaries[0].Start)
	}
	if got := boundaries[0].Duration(testSampleRate); got < 2*time.Second {
		t.Errorf("expected segment covering both bursts, got %v", got)
	}
}

func TestForcedCutsAreContiguous(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	// 45 seconds of continuous speech against a 20s max
	boundaries := feed(t, s, 8000, 45*50)

	if len(boundaries) != 2 {
		t.Fatalf("expected 2 forced boundaries, got %d", len(boundaries))
	}
	for i, b := range boundaries {
		if !b.Forced {
			t.Errorf("boundary %d: expected forced cut", i)
		}
		if got := b.Duration(testSampleRate); got != 20*time.Second {
			t.Errorf("boundary %d: expected 20s span, got %v", i, got)
		}
	}
	if boundaries[1].Start != boundaries[0].End {
		t.Errorf("forced cuts must be contiguous: first ends %d, second starts %d",
			boundaries[0].End, boundaries[1].Start)
	}

	// The remainder closes on flush without a gap
	final := s.Flush()
	if final == nil {
		t.Fatal("expected remainder boundary from Flush")
	}
	if final.Forced {
		t.Error("flushed remainder should not be forced")
	}
	if final.Start != boundaries[1].End {
		t.Errorf("remainder must continue from %d, got start %d", boundaries[1].End, final.Start)
	}
	if final.End != int64(45*testSampleRate) {
		t.Errorf("remainder should end at cursor %d, got %d", 45*testSampleRate, final.End)
	}
}

func TestFlushDiscardsSubMinimumSegment(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	// 260ms clears the debounce but flushing leaves less than the
	// 300ms minimum viable segment
	if boundaries := feed(t, s, 8000, 13); len(boundaries) != 0 {
		t.Fatalf("expected no boundaries yet, got %d", len(boundaries))
	}
	if s.State() != StateSpeech {
		t.Fatalf("expected StateSpeech after debounce, got %v", s.State())
	}

	b := s.Flush()
	if b == nil {
		t.Fatal("expected boundary from Flush")
	}
	if !b.Discarded {
		t.Errorf("expected sub-minimum segment to be discarded, got %+v", b)
	}

	stats := s.Stats()
	if stats.SegmentsDropped != 1 {
		t.Errorf("expected 1 dropped segment, got %d", stats.SegmentsDropped)
	}
	if stats.SegmentsEmitted != 0 {
		t.Errorf("expected 0 emitted segments, got %d", stats.SegmentsEmitted)
	}
}

func TestForceCutClosesOpenSegment(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	feed(t, s, 8000, 100) // 2s speech
	b := s.ForceCut()
	if b == nil {
		t.Fatal("expected boundary from ForceCut")
	}
	if !b.Forced {
		t.Error("ForceCut boundary must be marked forced")
	}
	if b.End != int64(2*testSampleRate) {
		t.Errorf("expected cut at cursor %d, got %d", 2*testSampleRate, b.End)
	}
	if s.State() != StateSpeech {
		t.Errorf("session should stay in speech after a forced cut, got %v", s.State())
	}

	// Continuing speech closes the remainder contiguously
	feed(t, s, 8000, 50)
	final := s.Flush()
	if final == nil || final.Start != b.End {
		t.Errorf("remainder must continue from %d, got %+v", b.End, final)
	}
}

func TestForceCutIdleReturnsNil(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}
	if b := s.ForceCut(); b != nil {
		t.Errorf("expected nil from ForceCut in silence, got %+v", b)
	}
}

func TestRetainFrom(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	feed(t, s, 0, 50) // 1s silence
	if got := s.RetainFrom(); got != int64(testSampleRate) {
		t.Errorf("idle silence should retain nothing before cursor, got %d", got)
	}

	feed(t, s, 8000, 100) // 2s speech, segment opens at 1s
	if got := s.RetainFrom(); got != int64(testSampleRate) {
		t.Errorf("open segment should retain from its start %d, got %d", testSampleRate, got)
	}
}

func TestNonContiguousFrameRejected(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}

	f := frame(0)
	if _, err := s.Process(f, 0); err != nil {
		t.Fatalf("first frame failed: %v", err)
	}
	if _, err := s.Process(f, int64(len(f))+100); err == nil {
		t.Error("expected error for non-contiguous frame")
	}
}

func TestProcessEmptyFrame(t *testing.T) {
	s, err := NewSegmenter(testConfig())
	if err != nil {
		t.Fatalf("NewSegmenter failed: %v", err)
	}
	if _, err := s.Process(nil, 0); err == nil {
		t.Error("expected error for empty frame")
	}
}
