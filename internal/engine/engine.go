package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/kevinraymond/stt-server/internal/hardware"
)

// ErrNativeUnavailable indicates the whisper.cpp backend was not compiled in.
var ErrNativeUnavailable = errors.New("engine: native whisper backend unavailable")

// Engine transcribes one closed audio segment per call. Implementations
// must be safe for concurrent use; the scheduler bounds how many calls
// run at once.
type Engine interface {
	// Transcribe runs inference over mono float32 samples in [-1, 1].
	// language is a two-letter hint or "auto" for detection.
	Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (Result, error)
	// Close releases the loaded model.
	Close() error
}

// Result is the transcript for one segment.
type Result struct {
	Text     string
	Language string // detected or confirmed language code
	Spans    []Span
}

// Span is a timed portion of a transcript, relative to the segment start.
type Span struct {
	StartMs int64
	EndMs   int64
	Text    string
}

// ModelLoadError reports a failure to load the model file. Callers treat
// this as fatal at startup.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	return fmt.Sprintf("engine: load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error { return e.Err }

// TranscribeError reports a failed inference for one segment. The session
// that submitted the segment continues; only the segment is lost.
type TranscribeError struct {
	Err error
}

func (e *TranscribeError) Error() string {
	return fmt.Sprintf("engine: transcription failed: %v", e.Err)
}

func (e *TranscribeError) Unwrap() error { return e.Err }

// Load resolves the model file from the hardware profile and returns a
// ready engine. When the native backend is not compiled in, it falls back
// to the deterministic stub so the service stays runnable on any build.
func Load(profile hardware.Profile, modelDir string, logger *slog.Logger) (Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	modelPath := filepath.Join(modelDir, hardware.ModelFileName(profile.Model))

	if !NativeAvailable() {
		logger.Warn("native whisper backend not compiled in, using stub engine",
			"model", profile.Model,
			"model_path", modelPath)
		return NewStubEngine(logger, profile.Model), nil
	}

	eng, err := NewWhisperEngine(modelPath, threadsForProfile(profile))
	if err != nil {
		return nil, &ModelLoadError{Path: modelPath, Err: err}
	}
	logger.Info("whisper model loaded",
		"model", profile.Model,
		"model_path", modelPath,
		"device", profile.Device,
		"precision", profile.ComputePrecision)
	return eng, nil
}

// threadsForProfile picks the inference thread count. GPU decoding leaves
// the CPU mostly idle, so a couple of threads suffice; on CPU the work is
// spread across the cores the profile reports.
func threadsForProfile(p hardware.Profile) int {
	if p.Device == hardware.DeviceGPU {
		return 2
	}
	threads := p.CPUCount
	if threads < 1 {
		threads = 1
	}
	if threads > 8 {
		threads = 8
	}
	return threads
}
