package vad

import (
	"fmt"
	"math"
	"time"
)

// State represents the segmenter state for one session
type State int

const (
	StateSilence State = iota
	StateSpeech
	StateTrailingSilence
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateSilence:
		return "silence"
	case StateSpeech:
		return "speech"
	case StateTrailingSilence:
		return "trailing_silence"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config holds the segmentation thresholds and durations. Defaults favour
// precision over recall for dictation: transient noise should not open a
// segment, and a closed segment keeps its trailing hangover so word-final
// sounds are not clipped.
type Config struct {
	SampleRate            int
	ActivationThreshold   float64       // score at or above which a frame counts as speech
	DeactivationThreshold float64       // score below which active speech ends
	Debounce              time.Duration // sustained activation required to open a segment
	Hangover              time.Duration // trailing silence kept attached to the segment
	MinSegment            time.Duration // shorter segments are discarded as noise
	MaxSegment            time.Duration // forced-cut bound on segment duration
}

// Boundary is a closed segment boundary in absolute sample offsets.
// The span is [Start, End). Forced marks a max-duration cut: the utterance
// continues in the next segment with no gap. Discarded marks a span that
// fell below the minimum viable duration and must not be transcribed.
type Boundary struct {
	Start     int64
	End       int64
	Forced    bool
	Discarded bool
}

// Duration returns the boundary's span at the given sample rate
func (b Boundary) Duration(sampleRate int) time.Duration {
	return time.Duration(b.End-b.Start) * time.Second / time.Duration(sampleRate)
}

// Segmenter is the per-session voice activity state machine. It consumes
// audio frames in order and emits closed segment boundaries. It never
// stores audio itself; callers extract samples from their frame buffer
// using the returned boundaries.
//
// Not safe for concurrent use; each session owns one Segmenter.
type Segmenter struct {
	cfg Config

	// Durations converted to sample counts once at construction
	debounceSamples int64
	hangoverSamples int64
	minSamples      int64
	maxSamples      int64

	state          State
	cursor         int64 // absolute offset just past the last processed frame
	candidateStart int64 // start of a possible activation run, -1 when none
	segmentStart   int64 // start of the open segment while in speech
	silenceStart   int64 // start of the trailing silence run

	// Score smoothing to reject single-frame spikes
	lastScore float64
	smoothing float64
	primed    bool

	// Statistics
	framesProcessed uint64
	segmentsEmitted uint64
	segmentsForced  uint64
	segmentsDropped uint64
}

// Stats represents segmenter statistics for monitoring
type Stats struct {
	State           string `json:"state"`
	FramesProcessed uint64 `json:"frames_processed"`
	SegmentsEmitted uint64 `json:"segments_emitted"`
	SegmentsForced  uint64 `json:"segments_forced"`
	SegmentsDropped uint64 `json:"segments_dropped"`
}

// NewSegmenter creates a segmenter for one session
func NewSegmenter(cfg Config) (*Segmenter, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.ActivationThreshold <= 0 || cfg.ActivationThreshold > 1 {
		return nil, fmt.Errorf("activation threshold must be in (0, 1], got %f", cfg.ActivationThreshold)
	}
	if cfg.DeactivationThreshold <= 0 || cfg.DeactivationThreshold > cfg.ActivationThreshold {
		return nil, fmt.Errorf("deactivation threshold must be in (0, activation], got %f",
			cfg.DeactivationThreshold)
	}
	if cfg.MinSegment <= 0 || cfg.MaxSegment <= cfg.MinSegment {
		return nil, fmt.Errorf("segment bounds invalid: min=%v max=%v", cfg.MinSegment, cfg.MaxSegment)
	}

	toSamples := func(d time.Duration) int64 {
		return int64(d.Seconds() * float64(cfg.SampleRate))
	}

	return &Segmenter{
		cfg:             cfg,
		debounceSamples: toSamples(cfg.Debounce),
		hangoverSamples: toSamples(cfg.Hangover),
		minSamples:      toSamples(cfg.MinSegment),
		maxSamples:      toSamples(cfg.MaxSegment),
		candidateStart:  -1,
		smoothing:       0.3,
	}, nil
}

// Process consumes one audio frame beginning at the given absolute sample
// offset and advances the state machine. It returns a non-nil boundary
// when a segment closes on this frame, at most one per call.
//
// Frames must be contiguous: startOffset must equal the previous frame's
// end offset (the first frame establishes the origin).
func (s *Segmenter) Process(samples []int16, startOffset int64) (*Boundary, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty audio frame")
	}
	if s.framesProcessed > 0 && startOffset != s.cursor {
		return nil, fmt.Errorf("non-contiguous frame: offset %d, expected %d", startOffset, s.cursor)
	}

	end := startOffset + int64(len(samples))
	s.cursor = end
	s.framesProcessed++

	score := s.score(samples)

	switch s.state {
	case StateSilence:
		if score >= s.cfg.ActivationThreshold {
			if s.candidateStart < 0 {
				s.candidateStart = startOffset
			}
			if end-s.candidateStart >= s.debounceSamples {
				s.state = StateSpeech
				s.segmentStart = s.candidateStart
				s.candidateStart = -1
			}
		} else {
			s.candidateStart = -1
		}

	case StateSpeech:
		if score < s.cfg.DeactivationThreshold {
			s.state = StateTrailingSilence
			s.silenceStart = startOffset
		}

	case StateTrailingSilence:
		if score >= s.cfg.ActivationThreshold {
			// Utterance resumed before the hangover expired.
			s.state = StateSpeech
		} else if end-s.silenceStart >= s.hangoverSamples {
			cut := s.silenceStart + s.hangoverSamples
			b := s.close(cut, false)
			s.state = StateSilence
			return b, nil
		}
	}

	// Forced cut applies in any speaking state so long continuous speech
	// cannot grow latency or memory without bound.
	if s.state != StateSilence && end-s.segmentStart >= s.maxSamples {
		cut := s.segmentStart + s.maxSamples
		b := s.close(cut, true)
		s.state = StateSpeech
		s.segmentStart = cut
		return b, nil
	}

	return nil, nil
}

// ForceCut closes the open segment at the current cursor, used when the
// session's audio buffer reports overflow. The segmenter stays in speech
// so the utterance continues with no gap. Returns nil when no segment is
// open.
func (s *Segmenter) ForceCut() *Boundary {
	if s.state == StateSilence || s.cursor <= s.segmentStart {
		return nil
	}
	b := s.close(s.cursor, true)
	s.state = StateSpeech
	s.segmentStart = s.cursor
	return b
}

// Flush closes any in-progress segment at the current cursor. Used on
// end-of-stream and connection close. Returns nil when the segmenter is
// idle in silence.
func (s *Segmenter) Flush() *Boundary {
	if s.state == StateSilence {
		s.candidateStart = -1
		return nil
	}
	b := s.close(s.cursor, false)
	s.state = StateSilence
	s.candidateStart = -1
	return b
}

// RetainFrom returns the earliest absolute sample offset the segmenter
// still needs. Audio below this offset can be trimmed from the buffer.
func (s *Segmenter) RetainFrom() int64 {
	switch s.state {
	case StateSilence:
		if s.candidateStart >= 0 {
			return s.candidateStart
		}
		return s.cursor
	default:
		return s.segmentStart
	}
}

// State returns the current state
func (s *Segmenter) State() State {
	return s.state
}

// Stats returns current segmenter statistics
func (s *Segmenter) Stats() Stats {
	return Stats{
		State:           s.state.String(),
		FramesProcessed: s.framesProcessed,
		SegmentsEmitted: s.segmentsEmitted,
		SegmentsForced:  s.segmentsForced,
		SegmentsDropped: s.segmentsDropped,
	}
}

// close builds the boundary for [segmentStart, end) and updates counters
func (s *Segmenter) close(end int64, forced bool) *Boundary {
	b := &Boundary{Start: s.segmentStart, End: end, Forced: forced}
	if end-s.segmentStart < s.minSamples {
		b.Discarded = true
		s.segmentsDropped++
		return b
	}
	s.segmentsEmitted++
	if forced {
		s.segmentsForced++
	}
	return b
}

// score computes a smoothed, normalized RMS energy score in [0, 1]
func (s *Segmenter) score(samples []int16) float64 {
	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}
	energy = math.Sqrt(energy / float64(len(samples)))

	// Normalize; full-scale speech peaks land well above 10000 RMS.
	normalized := energy / 10000.0
	if normalized > 1.0 {
		normalized = 1.0
	}

	if !s.primed {
		s.primed = true
		s.lastScore = normalized
		return normalized
	}

	smoothed := s.smoothing*s.lastScore + (1-s.smoothing)*normalized
	s.lastScore = smoothed
	return smoothed
}
