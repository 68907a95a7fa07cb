package fdtransport

import "github.com/wagiedev/fdtransport-go/internal/errors"

// Re-export error types from internal package

// TransportError is the base interface for all transport errors.
type TransportError = errors.TransportError

// SpawnError indicates a child process could not be set up or started.
type SpawnError = errors.SpawnError

// ConfigError indicates externally supplied configuration is malformed.
type ConfigError = errors.ConfigError

// Re-export sentinel errors from internal package.
var (
	// ErrNoArgs indicates a subprocess spawn was requested with an empty
	// argument vector.
	ErrNoArgs = errors.ErrNoArgs
)
