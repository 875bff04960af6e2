//go:build whisper_cpp

// This file contains the WhisperEngine implementation backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// NativeAvailable reports whether the whisper.cpp backend is compiled in.
func NativeAvailable() bool { return true }

// WhisperEngine implements Engine using the whisper.cpp Go bindings. The
// model is loaded once and shared; each Transcribe call creates its own
// decoding context, so the scheduler's worker bound is the only limit on
// concurrent inference.
type WhisperEngine struct {
	model   whisperlib.Model
	threads int
}

// NewWhisperEngine loads the model from the given file path.
func NewWhisperEngine(modelPath string, threads int) (*WhisperEngine, error) {
	if modelPath == "" {
		return nil, errors.New("model path required")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, err
	}
	return &WhisperEngine{model: model, threads: threads}, nil
}

// Transcribe implements the Engine interface.
func (e *WhisperEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int, language string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if len(samples) == 0 {
		return Result{}, &TranscribeError{Err: errors.New("empty segment")}
	}
	if sampleRate != whisperlib.SampleRate {
		return Result{}, &TranscribeError{
			Err: fmt.Errorf("sample rate %d not supported, need %d", sampleRate, whisperlib.SampleRate),
		}
	}

	// Contexts are not thread-safe but the model is shared, so every
	// inference gets a fresh one.
	wctx, err := e.model.NewContext()
	if err != nil {
		return Result{}, &TranscribeError{Err: fmt.Errorf("create context: %w", err)}
	}

	if e.threads > 0 {
		wctx.SetThreads(uint(e.threads))
	}

	lang := strings.TrimSpace(language)
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return Result{}, &TranscribeError{Err: fmt.Errorf("set language %q: %w", lang, err)}
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return Result{}, &TranscribeError{Err: fmt.Errorf("process audio: %w", err)}
	}

	var (
		parts []string
		spans []Span
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Result{}, &TranscribeError{Err: fmt.Errorf("read segment: %w", err)}
		}
		text := strings.TrimSpace(segment.Text)
		if text == "" || strings.EqualFold(text, "[BLANK_AUDIO]") {
			continue
		}
		parts = append(parts, text)
		spans = append(spans, Span{
			StartMs: segment.Start.Milliseconds(),
			EndMs:   segment.End.Milliseconds(),
			Text:    text,
		})
	}

	detected := lang
	if lang == "auto" {
		detected = wctx.DetectedLanguage()
	}

	return Result{
		Text:     strings.Join(parts, " "),
		Language: detected,
		Spans:    spans,
	}, nil
}

// Close releases the whisper model.
func (e *WhisperEngine) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}
