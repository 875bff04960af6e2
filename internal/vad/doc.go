// Package vad segments continuous audio into utterances using an
// energy-based voice activity state machine with debounce, hangover and
// forced-cut bounds. Boundaries are expressed as absolute sample offsets
// into the session's frame buffer.
package vad
