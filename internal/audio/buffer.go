package audio

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrStaleFrame reports an audio frame whose sequence number is not newer
// than the last accepted frame. Stale and duplicate frames are dropped;
// no frame is ever processed twice.
var ErrStaleFrame = errors.New("stale or duplicate audio frame")

// ErrBufferOverflow reports that the buffer holds more audio than the
// configured maximum. Callers recover by forcing a segment cut and
// trimming, never by crashing the session.
var ErrBufferOverflow = errors.New("audio buffer overflow")

// FrameBuffer accumulates PCM samples for one session between segment
// boundaries. Sample positions are absolute offsets from the start of the
// stream, so segment bounds stay valid after old audio is trimmed.
//
// The buffer is bounded: once the retained audio exceeds the configured
// maximum duration, Append reports ErrBufferOverflow alongside accepting
// the frame, and the caller must force a cut and trim.
type FrameBuffer struct {
	sampleRate int
	maxSamples int64 // retained-sample bound derived from max duration

	samples []int16
	base    int64 // absolute offset of samples[0]

	// Sequence tracking
	started    bool
	lastSeq    uint32
	frameCount uint64
	gapCount   uint64

	mu sync.Mutex
}

// BufferStats represents buffer statistics for monitoring
type BufferStats struct {
	TotalFrames     uint64 `json:"total_frames"`
	SequenceGaps    uint64 `json:"sequence_gaps"`
	RetainedSamples int    `json:"retained_samples"`
	TotalSamples    int64  `json:"total_samples"`
	LastSequence    uint32 `json:"last_sequence"`
}

// NewFrameBuffer creates a frame buffer bounded by maxDuration of retained audio
func NewFrameBuffer(sampleRate int, maxDuration time.Duration) *FrameBuffer {
	maxSamples := int64(maxDuration.Seconds() * float64(sampleRate))
	return &FrameBuffer{
		sampleRate: sampleRate,
		maxSamples: maxSamples,
		samples:    make([]int16, 0, sampleRate*2),
	}
}

// Append validates the frame sequence, decodes the PCM payload and appends
// it. It returns the absolute sample offset at which the frame begins.
//
// Frames must arrive with strictly increasing sequence numbers; a stale or
// duplicate sequence returns ErrStaleFrame and the frame is dropped. A gap
// in sequence numbers is accepted (the missing audio is simply absent) and
// counted for monitoring.
//
// When the retained audio now exceeds the configured bound the frame is
// still accepted but ErrBufferOverflow is returned so the caller can force
// a segment cut.
func (b *FrameBuffer) Append(sequence uint32, pcm []byte) (int64, error) {
	if len(pcm)%2 != 0 {
		return 0, fmt.Errorf("PCM data length must be even, got %d bytes", len(pcm))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		if sequence <= b.lastSeq {
			return 0, fmt.Errorf("%w: seq=%d, last=%d", ErrStaleFrame, sequence, b.lastSeq)
		}
		if sequence != b.lastSeq+1 {
			b.gapCount++
		}
	}
	b.started = true
	b.lastSeq = sequence
	b.frameCount++

	start := b.base + int64(len(b.samples))
	b.samples = append(b.samples, DecodePCM16(pcm)...)

	if int64(len(b.samples)) > b.maxSamples {
		return start, ErrBufferOverflow
	}
	return start, nil
}

// Extract copies the samples in the absolute range [startSample, endSample)
func (b *FrameBuffer) Extract(startSample, endSample int64) ([]int16, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if startSample < b.base || endSample > b.base+int64(len(b.samples)) || startSample >= endSample {
		return nil, fmt.Errorf("invalid sample range [%d, %d): retained [%d, %d)",
			startSample, endSample, b.base, b.base+int64(len(b.samples)))
	}

	out := make([]int16, endSample-startSample)
	copy(out, b.samples[startSample-b.base:endSample-b.base])
	return out, nil
}

// TrimBefore discards retained samples below the absolute offset. Offsets
// before the current base or past the end are clamped.
func (b *FrameBuffer) TrimBefore(sample int64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sample <= b.base {
		return
	}
	end := b.base + int64(len(b.samples))
	if sample > end {
		sample = end
	}

	drop := int(sample - b.base)
	n := copy(b.samples, b.samples[drop:])
	b.samples = b.samples[:n]
	b.base = sample
}

// TotalSamples returns the absolute write position (samples ever appended)
func (b *FrameBuffer) TotalSamples() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base + int64(len(b.samples))
}

// RetainedDuration returns the duration of audio currently held
func (b *FrameBuffer) RetainedDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return time.Duration(len(b.samples)) * time.Second / time.Duration(b.sampleRate)
}

// SampleRate returns the buffer's sample rate
func (b *FrameBuffer) SampleRate() int {
	return b.sampleRate
}

// Stats returns current buffer statistics
func (b *FrameBuffer) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return BufferStats{
		TotalFrames:     b.frameCount,
		SequenceGaps:    b.gapCount,
		RetainedSamples: len(b.samples),
		TotalSamples:    b.base + int64(len(b.samples)),
		LastSequence:    b.lastSeq,
	}
}
