// Package reactor defines the event-loop contract consumed by the
// transport layer, together with an adapter for go-eventloop.
//
// Transports do not run their own loop. They register interest in file
// descriptor readiness with a Reactor and do all of their work from the
// callbacks it delivers. Every callback for a given reactor runs on one
// loop goroutine, one at a time, so the transport state machines need no
// locking.
package reactor

// Reactor is the event-loop capability set a transport consumes.
//
// Implementations must invoke all callbacks on a single goroutine, and
// CallSoon must defer the function to a later loop iteration rather than
// running it inline.
type Reactor interface {
	// AddReader registers cb to run whenever fd is readable. At most one
	// reader callback is tracked per fd; registering again replaces it.
	AddReader(fd int, cb func()) error

	// RemoveReader drops the reader callback for fd. Removing an fd that
	// has no reader registered is a no-op.
	RemoveReader(fd int) error

	// AddWriter registers cb to run whenever fd is writable.
	AddWriter(fd int, cb func()) error

	// RemoveWriter drops the writer callback for fd.
	RemoveWriter(fd int) error

	// CallSoon schedules fn to run on the loop goroutine on a later
	// iteration, after the current callback stack has unwound.
	CallSoon(fn func())
}
