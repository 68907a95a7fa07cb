// Package transport implements bidirectional, reactor-driven byte
// transports over raw file descriptors.
//
// A transport bridges an event loop's protocol consumer to a pair of file
// descriptors: a subprocess's standard streams (SubprocessTransport), a
// pseudo-terminal, or the process's own stdin/stdout (StdioTransport).
// Bytes read from the descriptor are pushed to the consumer; bytes the
// consumer writes are flushed immediately when possible and queued behind
// write readiness otherwise, with binary backpressure signalling.
//
// Everything in this package runs on the reactor's loop goroutine. No
// method is safe to call from any other goroutine.
//
// This package requires Linux.
package transport

import (
	"bytes"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sys/unix"

	"github.com/wagiedev/fdtransport-go/internal/reactor"
)

const (
	// readBlockSize bounds a single read per readiness event.
	readBlockSize = 1024 * 1024

	// iovMax is the gather-write segment ceiling. man 2 writev.
	iovMax = 1024
)

// Consumer is implemented by the protocol layer a transport feeds.
//
// All methods are invoked on the loop goroutine.
type Consumer interface {
	// ConnectionMade is called once, from the transport constructor,
	// before any data is delivered.
	ConnectionMade(t Transport)

	// DataReceived delivers one chunk of bytes read from the transport.
	// The slice is owned by the consumer.
	DataReceived(data []byte)

	// EOFReceived is called when the read side reaches end-of-input.
	// Returning true keeps the transport open (half-closed); returning
	// false lets the transport close itself.
	EOFReceived() bool

	// ConnectionLost is the final notification a consumer receives. err
	// is nil for a graceful close and carries the fatal I/O error
	// otherwise. It is delivered exactly once, via the reactor's deferred
	// scheduling, never inline.
	ConnectionLost(err error)

	// PauseWriting signals that writes are now being queued; the consumer
	// should stop writing until ResumeWriting.
	PauseWriting()

	// ResumeWriting signals that the write queue has drained.
	ResumeWriting()
}

// SubprocessConsumer extends Consumer for subprocess-backed transports.
type SubprocessConsumer interface {
	Consumer

	// ProcessExited is called once the child's exit status has been
	// collected, unless the transport already began closing.
	ProcessExited()
}

// Transport is the capability set shared by all fd transports.
type Transport interface {
	// Write sends data, queueing whatever the descriptor does not accept
	// immediately. Writes to a closing transport are silently ignored.
	Write(data []byte)

	// WriteEOF half-closes the write side once any queued data has
	// drained. Calling it twice, or on a transport whose CanWriteEOF
	// reports false, is a programming error and panics.
	WriteEOF()

	// CanWriteEOF reports whether the transport supports half-close.
	CanWriteEOF() bool

	// Close shuts the transport down gracefully: reading stops now and
	// teardown happens once pending writes have drained.
	Close()

	// Abort tears the transport down immediately, discarding any pending
	// writes. err is passed through to ConnectionLost.
	Abort(err error)

	// PauseReading stops read-readiness monitoring.
	PauseReading()

	// ResumeReading restarts read-readiness monitoring. A no-op once the
	// read side has seen EOF.
	ResumeReading()

	// IsReading reports whether read readiness is currently monitored.
	IsReading() bool

	// IsClosing reports whether Close or Abort has begun.
	IsClosing() bool

	// WriteBufferSize returns the number of queued, unwritten bytes.
	WriteBufferSize() int

	// WriteBufferLimits returns the high/low backpressure watermarks.
	// Always (0, 0): backpressure is binary, there is no tunable buffer.
	WriteBufferLimits() (high, low int)

	// SetWriteBufferLimits accepts only the fixed zero/zero watermarks
	// and panics for anything else.
	SetWriteBufferLimits(high, low int)
}

// variant supplies the behavior that differs between fd sources. Concrete
// transports implement it and hand themselves to the base; the base never
// carries variant state.
type variant interface {
	canWriteEOF() bool
	writeEOFNow()
	teardown()
}

// fdTransport is what a concrete transport must amount to.
type fdTransport interface {
	Transport
	variant
}

// lifecycle is the close/abort state machine. Draining never transitions
// back to open.
type lifecycle int

const (
	stateOpen lifecycle = iota
	stateDraining
	stateAborting
	stateClosed
)

// writeState makes the backpressure condition explicit rather than
// inferring it from queue emptiness.
type writeState int

const (
	writeIdle writeState = iota
	writeDraining
)

// base carries the shared read/write/close machinery. Concrete transports
// embed it and implement variant.
type base struct {
	reactor  reactor.Reactor
	consumer Consumer
	log      *slog.Logger
	self     fdTransport

	readFD  int // -1 once the read side has seen EOF
	writeFD int // -1 once half-closed

	state        lifecycle
	wstate       writeState
	queue        [][]byte // non-nil exactly while wstate == writeDraining
	eofRequested bool
	reading      bool

	// eioIsEOF treats EIO on read as end-of-input. Pty masters report EIO
	// once the slave side is gone.
	eioIsEOF bool

	scratch []byte
}

// init binds the base to its descriptors and consumer, switches both
// descriptors to non-blocking mode, announces the connection, and starts
// read monitoring.
func (b *base) init(r reactor.Reactor, consumer Consumer, log *slog.Logger, self fdTransport, readFD, writeFD int, eioIsEOF bool) error {
	b.reactor = r
	b.consumer = consumer
	b.self = self
	b.readFD = readFD
	b.writeFD = writeFD
	b.eioIsEOF = eioIsEOF
	b.scratch = make([]byte, readBlockSize)
	b.log = log.With("transport_id", ulid.Make().String())

	b.log.Debug("created transport", "read_fd", readFD, "write_fd", writeFD)

	if err := unix.SetNonblock(readFD, true); err != nil {
		return err
	}

	if writeFD != readFD {
		if err := unix.SetNonblock(writeFD, true); err != nil {
			return err
		}
	}

	b.consumer.ConnectionMade(self)
	b.ResumeReading()

	return nil
}

// transientIOError reports whether a read/write failure should be
// retried on the next readiness event rather than aborting: would-block
// on a level-triggered fd, or a signal interrupting the syscall.
func transientIOError(err error) bool {
	return err == unix.EAGAIN || err == unix.EINTR
}

func (b *base) readReady() {
	n, err := unix.Read(b.readFD, b.scratch)
	if err != nil {
		switch {
		case transientIOError(err):
			return
		case b.eioIsEOF && err == unix.EIO:
			// Pty masters say EIO to mean "no more data".
			n = 0
		default:
			b.log.Debug("fatal read error", "fd", b.readFD, "error", err)
			b.Abort(err)

			return
		}
	}

	if n > 0 {
		b.log.Debug("read", "fd", b.readFD, "bytes", n)

		data := make([]byte, n)
		copy(data, b.scratch)
		b.consumer.DataReceived(data)

		return
	}

	b.log.Debug("read EOF", "fd", b.readFD)
	b.closeReader()

	if !b.consumer.EOFReceived() {
		b.Close()
	}
}

// IsReading implements Transport.
func (b *base) IsReading() bool {
	return b.reading
}

// closeReader permanently invalidates the read side.
func (b *base) closeReader() {
	b.PauseReading()
	b.readFD = -1
}

// PauseReading implements Transport.
func (b *base) PauseReading() {
	if b.reading {
		_ = b.reactor.RemoveReader(b.readFD)
		b.reading = false
	}
}

// ResumeReading implements Transport.
func (b *base) ResumeReading() {
	// The consumer may attempt to unpause after EOF already invalidated
	// the read side; there is nothing to register then.
	if b.reading || b.readFD == -1 {
		return
	}

	if err := b.reactor.AddReader(b.readFD, b.readReady); err != nil {
		b.Abort(err)

		return
	}

	b.reading = true
}

// Write implements Transport.
func (b *base) Write(data []byte) {
	// Racing a subprocess exit notification against a final write is
	// normal: the consumer may write to a pipe whose child is already
	// gone. Drop the bytes rather than fail.
	if b.IsClosing() {
		b.log.Debug("ignoring write to closing transport", "fd", b.writeFD)

		return
	}

	if b.eofRequested {
		panic("fdtransport: Write after WriteEOF")
	}

	if b.wstate == writeDraining {
		b.queue = append(b.queue, data)

		// writev rejects overly long iovecs. Consolidate.
		if len(b.queue) > iovMax {
			b.queue = [][]byte{bytes.Join(b.queue, nil)}
		}

		return
	}

	n, err := unix.Write(b.writeFD, data)
	if err != nil {
		// Interrupted or would-block writes retry on the next readiness
		// event with nothing consumed.
		if transientIOError(err) {
			n = 0
		} else {
			b.Abort(err)

			return
		}
	}

	if n != len(data) {
		b.createWriteQueue(data[n:])
	}
}

func (b *base) createWriteQueue(data []byte) {
	b.log.Debug("write backpressured, creating queue", "fd", b.writeFD)

	if err := b.reactor.AddWriter(b.writeFD, b.writeReady); err != nil {
		b.Abort(err)

		return
	}

	b.wstate = writeDraining
	b.queue = [][]byte{data}
	b.consumer.PauseWriting()
}

func (b *base) writeReady() {
	n, err := unix.Writev(b.writeFD, b.queue)
	if err != nil {
		if transientIOError(err) {
			n = 0
		} else {
			b.Abort(err)

			return
		}
	}

	b.log.Debug("drained from queue", "fd", b.writeFD, "bytes", n)

	for n > 0 {
		block := b.queue[0]
		if len(block) > n {
			// Partial block; trim and wait for the next readiness event.
			b.queue[0] = block[n:]

			break
		}

		n -= len(block)
		b.queue = b.queue[1:]
	}

	if len(b.queue) == 0 {
		b.drainComplete()
	}
}

// drainComplete is the single place deferred requests are honoured once
// the queue empties: half-close first, then a pending graceful close.
func (b *base) drainComplete() {
	b.removeWriteQueue()

	if b.eofRequested {
		b.log.Debug("queue drained, half-closing now", "fd", b.writeFD)
		b.self.writeEOFNow()
	}

	if b.state == stateDraining {
		b.log.Debug("queue drained, completing deferred close")
		b.Abort(nil)
	}
}

// removeWriteQueue dismantles a fully drained queue and lifts
// backpressure.
func (b *base) removeWriteQueue() {
	if b.wstate != writeDraining {
		return
	}

	b.consumer.ResumeWriting()
	_ = b.reactor.RemoveWriter(b.writeFD)
	b.wstate = writeIdle
	b.queue = nil
}

// discardWriteQueue drops pending writes without a resume signal; only
// the abort path takes it.
func (b *base) discardWriteQueue() {
	if b.wstate != writeDraining {
		return
	}

	_ = b.reactor.RemoveWriter(b.writeFD)
	b.wstate = writeIdle
	b.queue = nil
}

// CanWriteEOF implements Transport.
func (b *base) CanWriteEOF() bool {
	return b.self.canWriteEOF()
}

// WriteEOF implements Transport.
func (b *base) WriteEOF() {
	if !b.self.canWriteEOF() {
		panic("fdtransport: transport does not support half-close")
	}

	if b.eofRequested {
		panic("fdtransport: WriteEOF called twice")
	}

	b.eofRequested = true

	if b.wstate == writeIdle {
		b.log.Debug("half-closing write side", "fd", b.writeFD)
		b.self.writeEOFNow()
	} else {
		b.log.Debug("half-close deferred until queue drains", "fd", b.writeFD)
	}
}

// WriteBufferSize implements Transport.
func (b *base) WriteBufferSize() int {
	total := 0
	for _, block := range b.queue {
		total += len(block)
	}

	return total
}

// WriteBufferLimits implements Transport.
func (b *base) WriteBufferLimits() (high, low int) {
	return 0, 0
}

// SetWriteBufferLimits implements Transport.
func (b *base) SetWriteBufferLimits(high, low int) {
	if high != 0 || low != 0 {
		panic("fdtransport: write buffer limits are fixed at zero")
	}
}

// IsClosing implements Transport.
func (b *base) IsClosing() bool {
	return b.state != stateOpen
}

// Close implements Transport.
func (b *base) Close() {
	if b.IsClosing() {
		return
	}

	b.closeReader()

	if b.wstate == writeDraining {
		// Abort runs from drainComplete once the queue empties.
		b.state = stateDraining

		return
	}

	b.Abort(nil)
}

// Abort implements Transport.
func (b *base) Abort(err error) {
	if b.state == stateAborting || b.state == stateClosed {
		return
	}

	b.state = stateAborting
	b.closeReader()
	b.discardWriteQueue()

	// Scheduled, not inline: lets any in-flight callback stack unwind
	// before the consumer is torn down, and guarantees single delivery.
	consumer := b.consumer
	b.reactor.CallSoon(func() {
		consumer.ConnectionLost(err)
	})

	b.self.teardown()
	b.state = stateClosed
}
