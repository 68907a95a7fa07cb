package transport

import (
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/wagiedev/fdtransport-go/internal/reactor"
)

// pidfdSupported reports whether the kernel hands out process file
// descriptors (Linux 5.3+). Probed once against our own pid and cached.
var pidfdSupported = sync.OnceValue(func() bool {
	fd, err := unix.PidfdOpen(os.Getpid(), 0)
	if err != nil {
		return false
	}

	unix.Close(fd)

	return true
})

// watchExit arranges for fn to run on the loop goroutine with the child's
// exit status, exactly once.
//
// The primary mechanism registers a pidfd for read readiness with the
// reactor; a pidfd becomes readable when the process exits, so the status
// is then collected without blocking. When pidfds are unavailable (old
// kernel, fd limits, dead reactor) a reaper goroutine blocks in wait and
// posts the status back onto the loop via CallSoon.
func watchExit(r reactor.Reactor, cmd *exec.Cmd, fn func(status int)) {
	if pidfdSupported() && watchPidfd(r, cmd, fn) {
		return
	}

	go func() {
		status := waitStatus(cmd)
		r.CallSoon(func() {
			fn(status)
		})
	}()
}

func watchPidfd(r reactor.Reactor, cmd *exec.Cmd, fn func(status int)) bool {
	pidfd, err := unix.PidfdOpen(cmd.Process.Pid, 0)
	if err != nil {
		return false
	}

	err = r.AddReader(pidfd, func() {
		_ = r.RemoveReader(pidfd)
		unix.Close(pidfd)
		fn(waitStatus(cmd))
	})
	if err != nil {
		unix.Close(pidfd)

		return false
	}

	return true
}

// waitStatus reaps the child and maps its wait status to an exit code,
// with death-by-signal reported as the negated signal number.
func waitStatus(cmd *exec.Cmd) int {
	state, err := cmd.Process.Wait()
	if err != nil {
		// Wait fails only if the process is gone in a way we cannot
		// observe (reaped elsewhere); report a generic failure code.
		return -1
	}

	if ws, isWaitStatus := state.Sys().(syscall.WaitStatus); isWaitStatus {
		if ws.Signaled() {
			return -int(ws.Signal())
		}

		return ws.ExitStatus()
	}

	return state.ExitCode()
}
