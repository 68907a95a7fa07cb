package transport

import (
	"bytes"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/wagiedev/fdtransport-go/internal/reactor"
)

// spoolReadSize bounds a single spooler read per readiness event.
const spoolReadSize = 8192

// Spooler consumes data from an fd, storing it in a buffer.
//
// It duplicates the fd it is given, so the caller's descriptor can be
// closed independently. Reading stops at end-of-input or on any read
// error, at which point the spooler closes itself; whatever was buffered
// remains available through Get.
type Spooler struct {
	reactor  reactor.Reactor
	log      *slog.Logger
	fd       int // private duplicate; -1 once closed
	contents [][]byte
}

// NewSpooler duplicates fd, switches the duplicate to non-blocking mode
// and starts collecting from it.
func NewSpooler(r reactor.Reactor, fd int, log *slog.Logger) (*Spooler, error) {
	dup, err := unix.Dup(fd)
	if err != nil {
		return nil, fmt.Errorf("dup fd %d: %w", fd, err)
	}

	unix.CloseOnExec(dup)

	if err := unix.SetNonblock(dup, true); err != nil {
		unix.Close(dup)

		return nil, fmt.Errorf("set fd %d non-blocking: %w", dup, err)
	}

	s := &Spooler{
		reactor: r,
		log:     log.With("component", "spooler", "fd", dup),
		fd:      dup,
	}

	if err := r.AddReader(dup, s.readReady); err != nil {
		unix.Close(dup)

		return nil, fmt.Errorf("register spooler fd %d: %w", dup, err)
	}

	return s, nil
}

func (s *Spooler) readReady() {
	buf := make([]byte, spoolReadSize)

	n, err := unix.Read(s.fd, buf)
	if err == unix.EAGAIN {
		return
	}

	// Any other error counts as end-of-input.
	if err != nil || n == 0 {
		s.log.Debug("spooler reached EOF", "error", err)
		s.Close()

		return
	}

	s.contents = append(s.contents, buf[:n])
}

// ready reports whether the fd has data available right now, without
// blocking.
func (s *Spooler) ready() bool {
	if s.fd == -1 {
		return false
	}

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}

	n, err := unix.Poll(fds, 0)

	return err == nil && n > 0 && fds[0].Revents != 0
}

// Get returns the concatenation of everything received so far, first
// draining any data that is already available. With reset, the
// accumulated buffer is cleared, so a later Get returns only bytes
// received after this call.
func (s *Spooler) Get(reset bool) []byte {
	for s.ready() {
		s.readReady()
	}

	result := bytes.Join(s.contents, nil)
	if reset {
		s.contents = nil
	}

	return result
}

// Close releases the duplicated fd and its readiness registration. It is
// idempotent.
func (s *Spooler) Close() {
	if s.fd == -1 {
		return
	}

	_ = s.reactor.RemoveReader(s.fd)
	unix.Close(s.fd)
	s.fd = -1
}
