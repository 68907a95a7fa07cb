package transport

import (
	"log/slog"

	"github.com/wagiedev/fdtransport-go/internal/reactor"
)

// StdioTransport binds a transport to the process's own standard input
// and output descriptors, so the same consumer contract can serve
// interactive foreground use. It can talk to just about anything those
// descriptors point at: pipes, character devices, sockets, files.
//
// The transport does not own fds 0 and 1 in the usual sense: teardown
// releases the readiness registrations but leaves the descriptors open.
// Half-close is unsupported, since writing end-of-output to our own
// stdout is meaningless.
type StdioTransport struct {
	base
}

var _ fdTransport = (*StdioTransport)(nil)

// NewStdioTransport binds consumer to the given descriptors, typically
// stdin and stdout (0 and 1).
func NewStdioTransport(r reactor.Reactor, consumer Consumer, log *slog.Logger, stdin, stdout int) (*StdioTransport, error) {
	t := &StdioTransport{}

	log = log.With("component", "stdio_transport")
	if err := t.init(r, consumer, log, t, stdin, stdout, false); err != nil {
		return nil, err
	}

	return t, nil
}

func (t *StdioTransport) canWriteEOF() bool {
	return false
}

func (t *StdioTransport) writeEOFNow() {
	panic("fdtransport: cannot write EOF to stdout")
}

func (t *StdioTransport) teardown() {}
