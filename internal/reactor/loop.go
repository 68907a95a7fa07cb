package reactor

import (
	eventloop "github.com/joeycumines/go-eventloop"
)

// fdLoop is the slice of the go-eventloop API the adapter needs. It exists
// so the registration bookkeeping can be tested without a running loop.
type fdLoop interface {
	RegisterFD(fd int, events eventloop.IOEvents, callback func(events eventloop.IOEvents)) error
	ModifyFD(fd int, events eventloop.IOEvents) error
	UnregisterFD(fd int) error
	Submit(task func()) error
}

// Compile-time verification that the real loop satisfies fdLoop.
var _ fdLoop = (*eventloop.Loop)(nil)

// fdInterest tracks the reader/writer callbacks registered for one fd.
// The loop allows a single registration per fd with an event mask, so the
// adapter folds both directions into one dispatch function.
type fdInterest struct {
	mask    eventloop.IOEvents
	onRead  func()
	onWrite func()
}

// LoopReactor adapts a go-eventloop Loop to the Reactor contract.
//
// All methods must be called from the loop goroutine (typically from
// within a submitted task or an I/O callback); the bookkeeping is not
// synchronized.
type LoopReactor struct {
	loop fdLoop
	fds  map[int]*fdInterest
}

var _ Reactor = (*LoopReactor)(nil)

// NewLoopReactor returns a Reactor backed by the given loop.
func NewLoopReactor(loop *eventloop.Loop) *LoopReactor {
	return newLoopReactor(loop)
}

func newLoopReactor(loop fdLoop) *LoopReactor {
	return &LoopReactor{
		loop: loop,
		fds:  make(map[int]*fdInterest),
	}
}

// AddReader implements Reactor.
func (r *LoopReactor) AddReader(fd int, cb func()) error {
	return r.add(fd, eventloop.EventRead, cb)
}

// AddWriter implements Reactor.
func (r *LoopReactor) AddWriter(fd int, cb func()) error {
	return r.add(fd, eventloop.EventWrite, cb)
}

// RemoveReader implements Reactor.
func (r *LoopReactor) RemoveReader(fd int) error {
	return r.remove(fd, eventloop.EventRead)
}

// RemoveWriter implements Reactor.
func (r *LoopReactor) RemoveWriter(fd int) error {
	return r.remove(fd, eventloop.EventWrite)
}

// CallSoon implements Reactor.
func (r *LoopReactor) CallSoon(fn func()) {
	// Submit fails only once the loop has fully terminated, at which point
	// there is nothing left to notify.
	_ = r.loop.Submit(fn)
}

func (r *LoopReactor) add(fd int, ev eventloop.IOEvents, cb func()) error {
	e, tracked := r.fds[fd]
	if !tracked {
		e = &fdInterest{}
	}

	if ev == eventloop.EventRead {
		e.onRead = cb
	} else {
		e.onWrite = cb
	}

	mask := e.mask | ev
	if mask == e.mask {
		// Interest already registered; only the callback changed.
		return nil
	}

	var err error
	if e.mask == 0 {
		err = r.loop.RegisterFD(fd, mask, func(events eventloop.IOEvents) {
			r.dispatch(fd, events)
		})
	} else {
		err = r.loop.ModifyFD(fd, mask)
	}

	if err != nil {
		return err
	}

	e.mask = mask
	r.fds[fd] = e

	return nil
}

func (r *LoopReactor) remove(fd int, ev eventloop.IOEvents) error {
	e, tracked := r.fds[fd]
	if !tracked || e.mask&ev == 0 {
		return nil
	}

	mask := e.mask &^ ev
	if mask == 0 {
		if err := r.loop.UnregisterFD(fd); err != nil {
			return err
		}

		delete(r.fds, fd)

		return nil
	}

	if err := r.loop.ModifyFD(fd, mask); err != nil {
		return err
	}

	e.mask = mask
	if ev == eventloop.EventRead {
		e.onRead = nil
	} else {
		e.onWrite = nil
	}

	return nil
}

// dispatch fans a combined readiness event out to the registered
// callbacks. Hangup and error conditions wake both directions: a pipe
// whose writer closed raises only EPOLLHUP, and the read callback must
// still run to observe the EOF (likewise a dead reader surfaces to the
// writer as an error). The read callback may unregister the fd entirely
// (EOF handling does exactly that), so interest is re-checked before the
// write side runs.
func (r *LoopReactor) dispatch(fd int, events eventloop.IOEvents) {
	e, tracked := r.fds[fd]
	if !tracked {
		return
	}

	exceptional := events&(eventloop.EventHangup|eventloop.EventError) != 0

	if (events&eventloop.EventRead != 0 || exceptional) && e.mask&eventloop.EventRead != 0 && e.onRead != nil {
		e.onRead()
	}

	e, tracked = r.fds[fd]
	if !tracked {
		return
	}

	if (events&eventloop.EventWrite != 0 || exceptional) && e.mask&eventloop.EventWrite != 0 && e.onWrite != nil {
		e.onWrite()
	}
}
