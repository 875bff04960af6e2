// Package hardware probes host capabilities at startup and resolves them,
// together with explicit overrides, into an immutable execution profile
// consumed by the transcription engine.
package hardware
