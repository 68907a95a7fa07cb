package transport

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/wagiedev/fdtransport-go/internal/reactor"
)

// testReactor is a miniature poll-based reactor cranked manually by the
// tests, keeping readiness delivery deterministic and single-threaded.
type testReactor struct {
	t       *testing.T
	readers map[int]func()
	writers map[int]func()
	soon    []func()
}

var _ reactor.Reactor = (*testReactor)(nil)

func newTestReactor(t *testing.T) *testReactor {
	return &testReactor{
		t:       t,
		readers: make(map[int]func()),
		writers: make(map[int]func()),
	}
}

func (r *testReactor) AddReader(fd int, cb func()) error {
	r.readers[fd] = cb

	return nil
}

func (r *testReactor) RemoveReader(fd int) error {
	delete(r.readers, fd)

	return nil
}

func (r *testReactor) AddWriter(fd int, cb func()) error {
	r.writers[fd] = cb

	return nil
}

func (r *testReactor) RemoveWriter(fd int) error {
	delete(r.writers, fd)

	return nil
}

func (r *testReactor) CallSoon(fn func()) {
	r.soon = append(r.soon, fn)
}

func (r *testReactor) runSoon() {
	for len(r.soon) > 0 {
		fn := r.soon[0]
		r.soon = r.soon[1:]
		fn()
	}
}

// step polls every registered fd once, dispatches whatever is ready, then
// runs deferred callbacks.
func (r *testReactor) step(timeoutMs int) {
	var pfds []unix.PollFd

	index := make(map[int]int)

	for fd := range r.readers {
		index[fd] = len(pfds)
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	for fd := range r.writers {
		if i, tracked := index[fd]; tracked {
			pfds[i].Events |= unix.POLLOUT
		} else {
			index[fd] = len(pfds)
			pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLOUT})
		}
	}

	if len(pfds) > 0 {
		if _, err := unix.Poll(pfds, timeoutMs); err != nil && err != unix.EINTR {
			r.t.Fatalf("poll: %v", err)
		}

		for _, p := range pfds {
			if p.Revents == 0 {
				continue
			}

			fd := int(p.Fd)

			// A callback may unregister other fds; re-check membership.
			if p.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
				if cb, registered := r.readers[fd]; registered {
					cb()
				}
			}

			if p.Revents&(unix.POLLOUT|unix.POLLHUP|unix.POLLERR) != 0 {
				if cb, registered := r.writers[fd]; registered {
					cb()
				}
			}
		}
	} else if len(r.soon) == 0 && timeoutMs > 0 {
		time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
	}

	r.runSoon()
}

func (r *testReactor) crankUntil(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		require.False(t, time.Now().After(deadline), "condition not reached before deadline")
		r.step(50)
	}
}

// recordingConsumer captures every notification a transport delivers.
type recordingConsumer struct {
	transport Transport
	data      bytes.Buffer
	events    []string
	keepOpen  bool
	eofs      int
	lost      []error
	pauses    int
	resumes   int
}

func (c *recordingConsumer) ConnectionMade(t Transport) {
	c.transport = t
	c.events = append(c.events, "connection_made")
}

func (c *recordingConsumer) DataReceived(data []byte) {
	c.data.Write(data)
	c.events = append(c.events, "data_received")
}

func (c *recordingConsumer) EOFReceived() bool {
	c.eofs++
	c.events = append(c.events, "eof_received")

	return c.keepOpen
}

func (c *recordingConsumer) ConnectionLost(err error) {
	c.lost = append(c.lost, err)
	c.events = append(c.events, "connection_lost")
}

func (c *recordingConsumer) PauseWriting() {
	c.pauses++
	c.events = append(c.events, "pause_writing")
}

func (c *recordingConsumer) ResumeWriting() {
	c.resumes++
	c.events = append(c.events, "resume_writing")
}

// subprocessRecorder extends recordingConsumer with exit notifications.
type subprocessRecorder struct {
	recordingConsumer

	exits int
}

func (c *subprocessRecorder) ProcessExited() {
	c.exits++
	c.events = append(c.events, "process_exited")
}

// pipeTransport is a minimal concrete transport over caller-supplied fds.
// Half-close shuts down the write side without closing the fd, so test
// fixtures keep sole ownership of their descriptors.
type pipeTransport struct {
	base

	writeClosed bool
}

func (p *pipeTransport) canWriteEOF() bool {
	return true
}

func (p *pipeTransport) writeEOFNow() {
	_ = unix.Shutdown(p.writeFD, unix.SHUT_WR)
	p.writeFD = -1
	p.writeClosed = true
}

func (p *pipeTransport) teardown() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeTransport(t *testing.T, r reactor.Reactor, c Consumer, readFD, writeFD int) *pipeTransport {
	t.Helper()

	pt := &pipeTransport{}
	require.NoError(t, pt.init(r, c, testLogger(), pt, readFD, writeFD, false))

	return pt
}

// socketPair returns a connected stream pair with small kernel buffers so
// writes hit backpressure quickly. Both ends are cleaned up by the test.
func socketPair(t *testing.T) (local, peer int) {
	t.Helper()

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)

	require.NoError(t, unix.SetsockoptInt(fds[0], unix.SOL_SOCKET, unix.SO_SNDBUF, 4096))
	require.NoError(t, unix.SetsockoptInt(fds[1], unix.SOL_SOCKET, unix.SO_RCVBUF, 4096))
	require.NoError(t, unix.SetNonblock(fds[1], true))

	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	return fds[0], fds[1]
}

// pipePair returns (readEnd, writeEnd) of a fresh pipe.
func pipePair(t *testing.T) (int, int) {
	t.Helper()

	var fds [2]int
	require.NoError(t, unix.Pipe(fds[:]))

	return fds[0], fds[1]
}

// drainFD reads everything currently available from a non-blocking fd.
func drainFD(t *testing.T, fd int, sink *bytes.Buffer) {
	t.Helper()

	buf := make([]byte, 65536)

	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN || n <= 0 {
			return
		}

		require.NoError(t, err)
		sink.Write(buf[:n])
	}
}

// pattern returns n bytes of deterministic, position-dependent content so
// reordered or duplicated chunks are caught.
func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i>>8)
	}

	return data
}

// writeUntilPaused feeds chunks of payload to the transport until
// backpressure fires, then returns how many bytes were submitted.
func writeUntilPaused(t *testing.T, tr Transport, c *recordingConsumer, payload []byte, chunkSize int) int {
	t.Helper()

	written := 0
	for c.pauses == 0 {
		require.Less(t, written, len(payload), "payload exhausted without backpressure")
		tr.Write(payload[written : written+chunkSize])
		written += chunkSize
	}

	return written
}

func TestWriteOrderingUnderBackpressure(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, peer := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	payload := pattern(2 * 1024 * 1024)
	written := writeUntilPaused(t, tr, c, payload, 64*1024)

	// Keep writing while paused; everything queues behind the remainder.
	for written < len(payload) {
		tr.Write(payload[written : written+64*1024])
		written += 64 * 1024
	}

	var received bytes.Buffer

	r.crankUntil(t, func() bool {
		drainFD(t, peer, &received)

		return c.resumes == 1 && received.Len() == len(payload)
	})

	require.Equal(t, payload, received.Bytes(), "bytes must arrive exactly once, in order")
	assert.Equal(t, 1, c.pauses, "pause_writing fires once")
	assert.Equal(t, 1, c.resumes, "resume_writing fires once")
	assert.Equal(t, 0, tr.WriteBufferSize())

	tr.Close()
	r.step(0)
	require.Equal(t, []error{nil}, c.lost)
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, peer := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	payload := pattern(512 * 1024)
	written := writeUntilPaused(t, tr, c, payload, 32*1024)
	payload = payload[:written]

	tr.Close()
	require.True(t, tr.IsClosing())

	// Nothing is torn down until the queue drains.
	require.Empty(t, c.lost)

	var received bytes.Buffer

	r.crankUntil(t, func() bool {
		drainFD(t, peer, &received)

		return len(c.lost) == 1 && received.Len() == len(payload)
	})

	require.Equal(t, payload, received.Bytes(), "close must not drop queued bytes")
	require.Equal(t, []error{nil}, c.lost)
	assert.Equal(t, 1, c.resumes, "drain completion still lifts backpressure")
}

func TestAbortDiscardsPendingWrites(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, peer := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	payload := pattern(512 * 1024)
	written := writeUntilPaused(t, tr, c, payload, 32*1024)

	bang := unix.ECONNRESET
	tr.Abort(bang)

	r.step(0)

	require.Equal(t, []error{bang}, c.lost)
	assert.Equal(t, 0, c.resumes, "a discarded queue must not signal resume_writing")
	assert.Empty(t, r.writers, "write readiness must be unregistered")
	assert.Empty(t, r.readers, "read readiness must be unregistered")

	var received bytes.Buffer

	drainFD(t, peer, &received)
	assert.Less(t, received.Len(), written, "queued bytes are dropped, not flushed")

	// A second abort must not deliver another notification.
	tr.Abort(unix.EPIPE)
	r.step(0)
	require.Len(t, c.lost, 1)
}

func TestFatalWriteErrorAborts(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, peer := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	// Tearing down the peer makes the next write fail with EPIPE.
	require.NoError(t, unix.Shutdown(peer, unix.SHUT_RDWR))

	var sink bytes.Buffer

	r.crankUntil(t, func() bool {
		drainFD(t, peer, &sink)
		tr.Write([]byte("x"))

		return len(c.lost) == 1
	})

	require.Len(t, c.lost, 1)
	require.Error(t, c.lost[0])
	assert.Empty(t, r.readers, "reader must be unregistered before connection_lost")
	assert.True(t, tr.IsClosing())

	// Extra cranks must not produce further notifications.
	r.step(0)
	require.Len(t, c.lost, 1)
}

func TestReadDeliveryAndEOFClose(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: false}
	readEnd, writeEnd := pipePair(t)
	outRead, outWrite := pipePair(t)

	t.Cleanup(func() {
		unix.Close(readEnd)
		unix.Close(outRead)
		unix.Close(outWrite)
	})

	tr := newPipeTransport(t, r, c, readEnd, outWrite)

	_, err := unix.Write(writeEnd, []byte("hello"))
	require.NoError(t, err)

	r.crankUntil(t, func() bool { return c.data.Len() == 5 })
	require.Equal(t, "hello", c.data.String())

	unix.Close(writeEnd)

	r.crankUntil(t, func() bool { return len(c.lost) == 1 })

	assert.Equal(t, 1, c.eofs)
	require.Equal(t, []error{nil}, c.lost, "declining to keep the transport open closes it gracefully")
	assert.Empty(t, r.readers, "no further read attempts after EOF")
	assert.True(t, tr.IsClosing())
}

func TestEOFReceivedTrueKeepsTransportOpen(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	readEnd, writeEnd := pipePair(t)
	local, _ := socketPair(t)

	t.Cleanup(func() { unix.Close(readEnd) })

	tr := newPipeTransport(t, r, c, readEnd, local)

	unix.Close(writeEnd)

	r.crankUntil(t, func() bool { return c.eofs == 1 })

	assert.False(t, tr.IsClosing(), "keep_open leaves the transport usable for writing")
	assert.Empty(t, c.lost)

	// The write side still works after the read side closed.
	tr.Write([]byte("post-eof"))

	tr.Close()
	r.step(0)
	require.Equal(t, []error{nil}, c.lost)
}

func TestResumeReadingAfterEOFIsNoop(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	readEnd, writeEnd := pipePair(t)
	local, _ := socketPair(t)

	t.Cleanup(func() { unix.Close(readEnd) })

	tr := newPipeTransport(t, r, c, readEnd, local)

	unix.Close(writeEnd)
	r.crankUntil(t, func() bool { return c.eofs == 1 })

	tr.ResumeReading()
	assert.False(t, tr.IsReading())
	assert.Empty(t, r.readers)
}

func TestPauseResumeReading(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, _ := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	require.True(t, tr.IsReading(), "reading starts at construction")

	tr.PauseReading()
	assert.False(t, tr.IsReading())
	assert.Empty(t, r.readers)

	tr.PauseReading() // idempotent
	assert.False(t, tr.IsReading())

	tr.ResumeReading()
	assert.True(t, tr.IsReading())
	assert.Len(t, r.readers, 1)
}

func TestWriteEOFImmediateAndDeferred(t *testing.T) {
	t.Run("immediate when idle", func(t *testing.T) {
		r := newTestReactor(t)
		c := &recordingConsumer{keepOpen: true}
		local, peer := socketPair(t)
		tr := newPipeTransport(t, r, c, local, local)

		tr.Write([]byte("bye"))
		tr.WriteEOF()
		require.True(t, tr.writeClosed, "no queue pending, half-close happens now")

		var received bytes.Buffer

		r.crankUntil(t, func() bool {
			drainFD(t, peer, &received)

			return received.Len() == 3
		})
		require.Equal(t, "bye", received.String())
	})

	t.Run("deferred until drain", func(t *testing.T) {
		r := newTestReactor(t)
		c := &recordingConsumer{keepOpen: true}
		local, peer := socketPair(t)
		tr := newPipeTransport(t, r, c, local, local)

		payload := pattern(256 * 1024)
		written := writeUntilPaused(t, tr, c, payload, 32*1024)
		payload = payload[:written]

		tr.WriteEOF()
		require.False(t, tr.writeClosed, "half-close waits for the queue")

		var received bytes.Buffer

		r.crankUntil(t, func() bool {
			drainFD(t, peer, &received)

			return tr.writeClosed && received.Len() == len(payload)
		})

		require.Equal(t, payload, received.Bytes(), "every queued byte precedes the half-close")
		assert.Equal(t, 1, c.resumes)
	})
}

func TestWriteEOFTwicePanics(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, _ := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	tr.WriteEOF()
	require.Panics(t, func() { tr.WriteEOF() })
}

func TestWriteAfterWriteEOFPanics(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, _ := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	tr.WriteEOF()
	require.Panics(t, func() { tr.Write([]byte("late")) })
}

func TestWriteToClosingTransportIsIgnored(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, peer := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	tr.Close()
	require.NotPanics(t, func() { tr.Write([]byte("dropped")) })

	r.step(0)

	var received bytes.Buffer

	drainFD(t, peer, &received)
	assert.Zero(t, received.Len())
}

func TestQueueCoalescesBeyondIOVMax(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, peer := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	payload := pattern(1024 * 1024)
	writeUntilPaused(t, tr, c, payload, 32*1024)

	remainder := tr.WriteBufferSize()
	require.Positive(t, remainder)

	chunk := []byte("tiny")
	for range iovMax {
		tr.Write(chunk)
	}

	require.Len(t, tr.queue, 1, "exceeding the gather-write limit consolidates the queue")

	tr.Write(chunk)
	tr.Write(chunk)
	require.Len(t, tr.queue, 3)

	require.Equal(t, remainder+(iovMax+2)*len(chunk), tr.WriteBufferSize(),
		"coalescing must not lose or duplicate queued bytes")

	// The consolidated queue still drains byte-for-byte.
	var received bytes.Buffer

	expected := tr.WriteBufferSize()

	r.crankUntil(t, func() bool {
		drainFD(t, peer, &received)

		return c.resumes == 1
	})
	r.crankUntil(t, func() bool {
		drainFD(t, peer, &received)

		return received.Len() >= expected
	})
}

func TestTransientIOErrorClassification(t *testing.T) {
	assert.True(t, transientIOError(unix.EAGAIN))
	assert.True(t, transientIOError(unix.EINTR), "interrupted syscalls retry, they never abort")
	assert.False(t, transientIOError(unix.EPIPE))
	assert.False(t, transientIOError(unix.EIO))
	assert.False(t, transientIOError(nil))
}

func TestWriteBufferLimitsFixedAtZero(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, _ := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	high, low := tr.WriteBufferLimits()
	assert.Zero(t, high)
	assert.Zero(t, low)

	require.NotPanics(t, func() { tr.SetWriteBufferLimits(0, 0) })
	require.Panics(t, func() { tr.SetWriteBufferLimits(65536, 0) })
	require.Panics(t, func() { tr.SetWriteBufferLimits(0, 1) })
}

func TestCloseIsIdempotent(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, _ := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	tr.Close()
	tr.Close()
	r.step(0)
	r.step(0)

	require.Equal(t, []error{nil}, c.lost)
}

func TestConnectionLostIsScheduledNotInline(t *testing.T) {
	r := newTestReactor(t)
	c := &recordingConsumer{keepOpen: true}
	local, _ := socketPair(t)
	tr := newPipeTransport(t, r, c, local, local)

	tr.Close()
	require.Empty(t, c.lost, "notification must wait for the next loop iteration")

	r.runSoon()
	require.Equal(t, []error{nil}, c.lost)
}
