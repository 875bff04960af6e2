// Package config provides YAML configuration loading, validation and
// command-line override handling for the STT server.
package config
