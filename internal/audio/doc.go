// Package audio provides the per-session frame buffer, PCM sample
// conversion helpers and WAV encoding/decoding.
package audio
