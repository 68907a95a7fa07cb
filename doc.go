// Package fdtransport provides bidirectional, event-driven byte
// transports over raw file descriptors for Linux.
//
// It bridges an event loop's protocol consumer to a subprocess's standard
// streams or a pseudo-terminal, treating the pair of descriptors as one
// duplex byte stream with explicit write backpressure, half-close and
// clean teardown semantics. A passive Spooler captures a child's stderr
// on the side.
//
// The package does not run its own event loop. Transports consume a
// Reactor, and NewLoopReactor adapts github.com/joeycumines/go-eventloop.
// Every transport method and every consumer callback runs on the loop
// goroutine, one at a time; no locking is needed in consumers.
//
// # Basic Usage
//
// Implement Consumer (or SubprocessConsumer for child processes) and
// spawn a child under a running loop:
//
//	loop, _ := eventloop.New()
//	r := fdtransport.NewLoopReactor(loop)
//
//	loop.Submit(eventloop.Task{Runnable: func() {
//	    t, err := fdtransport.NewSubprocessTransport(r, consumer,
//	        []string{"cat"},
//	        fdtransport.WithStderrCapture(),
//	    )
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    t.Write([]byte("hello\n"))
//	    t.WriteEOF()
//	}})
//
//	loop.Run(ctx)
//
// The consumer then observes DataReceived with the echoed bytes,
// EOFReceived when cat's stdout closes, ProcessExited with status 0, and
// finally ConnectionLost(nil).
//
// # Lifecycle
//
// Close is graceful: reading stops immediately, queued writes drain, and
// only then is the transport torn down. Abort is immediate and discards
// the queue. Either way the consumer receives exactly one ConnectionLost
// notification, scheduled on a later loop iteration.
package fdtransport
