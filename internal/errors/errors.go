// Package errors defines error types for the fd transport layer.
//
// This package provides structured error types for the failure scenarios
// that surface past a transport's boundary. All error types support error
// unwrapping and can be checked using errors.Is, errors.As, and errors.AsType.
//
// Fatal I/O conditions on a running transport are deliberately not part of
// this taxonomy: those convert to a single ConnectionLost notification on
// the consumer rather than an error return.
package errors

import (
	"errors"
	"fmt"
)

// TransportError is the base interface for all transport errors.
type TransportError interface {
	error
	IsTransportError() bool
}

// Compile-time verification that all error types implement TransportError.
var (
	_ TransportError = (*SpawnError)(nil)
	_ TransportError = (*ConfigError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrNoArgs indicates a subprocess spawn was requested with an empty
	// argument vector.
	ErrNoArgs = errors.New("spawn requires at least one argument")
)

// SpawnError indicates a child process could not be set up or started.
type SpawnError struct {
	Args []string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %v: %v", e.Args, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsTransportError implements TransportError.
func (e *SpawnError) IsTransportError() bool { return true }

// ConfigError indicates externally supplied configuration (for example a
// decoded window-size object) is malformed.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration field %q: %s", e.Field, e.Reason)
}

// IsTransportError implements TransportError.
func (e *ConfigError) IsTransportError() bool { return true }
