package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// StubEngine produces deterministic transcripts without loading a model.
// It is the default backend on builds without the whisper_cpp tag and is
// also used throughout the tests.
type StubEngine struct {
	log      *slog.Logger
	model    string
	segments atomic.Uint64
}

// NewStubEngine returns an Engine that generates placeholder transcripts.
func NewStubEngine(logger *slog.Logger, model string) *StubEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &StubEngine{
		log:   logger.With("component", "engine.stub", "model", model),
		model: model,
	}
}

// Transcribe implements the Engine interface. The text encodes the segment
// duration so callers can correlate outputs with inputs.
func (e *StubEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(samples) == 0 || sampleRate <= 0 {
		return Result{}, &TranscribeError{Err: fmt.Errorf("empty segment")}
	}

	durMs := int64(len(samples)) * 1000 / int64(sampleRate)
	lang := language
	if lang == "" || lang == "auto" {
		lang = "en"
	}

	n := e.segments.Add(1)
	text := fmt.Sprintf("[stub:%s] segment %d (%dms)", e.model, n, durMs)
	e.log.Debug("stub transcript", "segment", n, "duration_ms", durMs, "language", lang)

	return Result{
		Text:     text,
		Language: lang,
		Spans: []Span{
			{StartMs: 0, EndMs: durMs, Text: text},
		},
	}, nil
}

// Close implements the Engine interface.
func (e *StubEngine) Close() error { return nil }
