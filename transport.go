package fdtransport

import (
	eventloop "github.com/joeycumines/go-eventloop"

	"github.com/wagiedev/fdtransport-go/internal/reactor"
	"github.com/wagiedev/fdtransport-go/internal/transport"
)

// Re-export the core contracts from the internal packages.

// Reactor is the event-loop capability set transports consume.
type Reactor = reactor.Reactor

// LoopReactor adapts a go-eventloop Loop to the Reactor contract.
type LoopReactor = reactor.LoopReactor

// Consumer is implemented by the protocol layer a transport feeds.
type Consumer = transport.Consumer

// SubprocessConsumer extends Consumer with process exit notification.
type SubprocessConsumer = transport.SubprocessConsumer

// Transport is the capability set shared by all fd transports.
type Transport = transport.Transport

// SubprocessTransport speaks with the stdin/stdout of a child process.
type SubprocessTransport = transport.SubprocessTransport

// StdioTransport binds to the process's own stdin/stdout.
type StdioTransport = transport.StdioTransport

// Spooler consumes data from an fd, storing it in a buffer.
type Spooler = transport.Spooler

// WindowSize is an immutable terminal geometry snapshot.
type WindowSize = transport.WindowSize

// SpawnConfig describes the child process a SubprocessTransport runs.
type SpawnConfig = transport.SpawnConfig

// NewLoopReactor returns a Reactor backed by the given event loop.
func NewLoopReactor(loop *eventloop.Loop) *LoopReactor {
	return reactor.NewLoopReactor(loop)
}

// NewSubprocessTransport spawns args under r and binds consumer to the
// child's standard streams. Must be called on the loop goroutine.
func NewSubprocessTransport(r Reactor, consumer SubprocessConsumer, args []string, opts ...Option) (*SubprocessTransport, error) {
	options := applyOptions(opts)

	return transport.NewSubprocessTransport(r, consumer, options.logger(), transport.SpawnConfig{
		Args:          args,
		PTY:           options.PTY,
		Window:        options.Window,
		Dir:           options.Dir,
		Env:           options.Env,
		ExtraFiles:    options.ExtraFiles,
		CaptureStderr: options.CaptureStderr,
	})
}

// NewStdioTransport binds consumer to this process's stdin and stdout.
// Must be called on the loop goroutine.
func NewStdioTransport(r Reactor, consumer Consumer, opts ...Option) (*StdioTransport, error) {
	options := applyOptions(opts)

	return transport.NewStdioTransport(r, consumer, options.logger(), 0, 1)
}

// NewSpooler duplicates fd and starts collecting from it. Must be called
// on the loop goroutine.
func NewSpooler(r Reactor, fd int, opts ...Option) (*Spooler, error) {
	options := applyOptions(opts)

	return transport.NewSpooler(r, fd, options.logger())
}

// WindowSizeFromMap builds a WindowSize from a decoded JSON object such
// as {"rows": 24, "cols": 80}.
func WindowSizeFromMap(value map[string]any) (WindowSize, error) {
	return transport.WindowSizeFromMap(value)
}
