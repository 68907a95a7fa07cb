package fdtransport

import (
	"log/slog"
	"os"
)

// Option configures transport construction using the functional options
// pattern.
type Option func(*Options)

// Options collects transport construction settings. Most callers use the
// With* helpers instead of filling this in directly.
type Options struct {
	// Logger receives debug-level tracing of fd readiness and state
	// transitions. If nil, logging is disabled.
	Logger *slog.Logger

	// PTY runs the child on a pseudo-terminal instead of pipes.
	PTY bool

	// Window is the initial terminal geometry. Only meaningful with PTY.
	Window *WindowSize

	// Dir is the child's working directory ("" inherits ours).
	Dir string

	// Env is the child's environment (nil inherits ours).
	Env []string

	// ExtraFiles are inherited by the child as fds 3 and up.
	ExtraFiles []*os.File

	// CaptureStderr pipes the child's stderr into a Spooler.
	CaptureStderr bool
}

func applyOptions(opts []Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	return options
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return NopLogger()
	}

	return o.Logger
}

// WithLogger sets the logger for debug output.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithPTY runs the child on a pseudo-terminal. The pty slave becomes the
// child's stdin, stdout and stderr, and the controlling terminal of its
// session.
func WithPTY() Option {
	return func(o *Options) {
		o.PTY = true
	}
}

// WithWindowSize sets the pty's initial geometry. Implies nothing on its
// own; combine with WithPTY.
func WithWindowSize(size WindowSize) Option {
	return func(o *Options) {
		o.Window = &size
	}
}

// WithDir sets the child's working directory.
func WithDir(dir string) Option {
	return func(o *Options) {
		o.Dir = dir
	}
}

// WithEnv sets the child's environment.
func WithEnv(env []string) Option {
	return func(o *Options) {
		o.Env = env
	}
}

// WithExtraFiles passes additional open files to the child as fds 3 and
// up.
func WithExtraFiles(files []*os.File) Option {
	return func(o *Options) {
		o.ExtraFiles = files
	}
}

// WithStderrCapture pipes the child's stderr into a Spooler, readable
// via GetStderr. Ignored in pty mode, where stderr is merged into the
// terminal stream.
func WithStderrCapture() Option {
	return func(o *Options) {
		o.CaptureStderr = true
	}
}
