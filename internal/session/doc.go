// Package session ties the per-client pieces together: each session owns
// a frame buffer and a voice activity segmenter, submits closed segments
// to the shared engine scheduler and delivers transcripts back to the
// client in submission order. The manager enforces the concurrent session
// limit and reaps idle sessions.
package session
