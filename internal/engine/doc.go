// Package engine wraps whisper.cpp transcription behind a backend-neutral
// interface and schedules segments from all sessions onto a bounded worker
// pool with per-session round-robin fairness. The native backend is
// compiled in with the whisper_cpp build tag; without it a deterministic
// stub keeps the service runnable.
package engine
