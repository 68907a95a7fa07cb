package transport

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/wagiedev/fdtransport-go/internal/errors"
	"github.com/wagiedev/fdtransport-go/internal/reactor"
)

// SpawnConfig describes the child process a SubprocessTransport runs.
type SpawnConfig struct {
	// Args is the argument vector; Args[0] is the program.
	Args []string

	// PTY runs the child on a pseudo-terminal instead of pipes. The pty
	// slave becomes the child's stdin, stdout and stderr, and its
	// session's controlling terminal.
	PTY bool

	// Window is the initial terminal geometry. Only meaningful with PTY.
	Window *WindowSize

	// Dir is the child's working directory ("" inherits ours).
	Dir string

	// Env is the child's environment (nil inherits ours).
	Env []string

	// ExtraFiles are inherited by the child as fds 3 and up.
	ExtraFiles []*os.File

	// CaptureStderr pipes the child's stderr to a Spooler, readable via
	// GetStderr. Ignored with PTY, where stderr is merged into the
	// terminal stream.
	CaptureStderr bool
}

// SubprocessTransport speaks with the stdin/stdout of a child process,
// over pipes or a pseudo-terminal.
//
// Whatever the consumer writes is sent to the child's stdin; whatever
// arrives on its stdout is delivered via DataReceived. The child's exit
// is surfaced through ProcessExited, decoupled from the byte stream. If
// stderr is captured, the transport collects it separately and exposes it
// through GetStderr.
type SubprocessTransport struct {
	base

	proto SubprocessConsumer
	cmd   *exec.Cmd

	ptmx   *os.File // pty master; nil in pipe mode
	stdin  *os.File // parent end of the stdin pipe; nil in pty mode
	stdout *os.File // parent end of the stdout pipe; nil in pty mode
	stderr *Spooler // nil unless stderr is captured

	exitStatus int
	exited     bool
	tornDown   bool
}

var _ fdTransport = (*SubprocessTransport)(nil)

// NewSubprocessTransport spawns the child described by cfg and binds a
// transport to its standard streams. The child receives SIGTERM if this
// process dies unexpectedly.
func NewSubprocessTransport(r reactor.Reactor, consumer SubprocessConsumer, log *slog.Logger, cfg SpawnConfig) (*SubprocessTransport, error) {
	if len(cfg.Args) == 0 {
		return nil, &errors.SpawnError{Err: errors.ErrNoArgs}
	}

	t := &SubprocessTransport{proto: consumer}

	//nolint:gosec // G204: spawning caller-controlled argument vectors is the point
	cmd := exec.Command(cfg.Args[0], cfg.Args[1:]...)
	cmd.Dir = cfg.Dir
	cmd.Env = cfg.Env
	cmd.ExtraFiles = cfg.ExtraFiles

	var (
		readFD, writeFD int
		eioIsEOF        bool
	)

	if cfg.PTY {
		ptmx, tts, err := pty.Open()
		if err != nil {
			return nil, &errors.SpawnError{Args: cfg.Args, Err: fmt.Errorf("open pty: %w", err)}
		}

		if cfg.Window != nil {
			if err := pty.Setsize(ptmx, &pty.Winsize{Rows: cfg.Window.Rows, Cols: cfg.Window.Cols}); err != nil {
				ptmx.Close()
				tts.Close()

				return nil, &errors.SpawnError{Args: cfg.Args, Err: fmt.Errorf("set window size: %w", err)}
			}
		}

		cmd.Stdin = tts
		cmd.Stdout = tts
		cmd.Stderr = tts
		// New session with the slave as controlling terminal (on fd 0),
		// and go down as a team if the parent dies.
		cmd.SysProcAttr = &syscall.SysProcAttr{
			Setsid:    true,
			Setctty:   true,
			Pdeathsig: unix.SIGTERM,
		}

		if err := cmd.Start(); err != nil {
			ptmx.Close()
			tts.Close()

			return nil, &errors.SpawnError{Args: cfg.Args, Err: err}
		}

		tts.Close()

		t.ptmx = ptmx
		readFD = int(ptmx.Fd())
		writeFD = readFD
		eioIsEOF = true
	} else {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return nil, &errors.SpawnError{Args: cfg.Args, Err: fmt.Errorf("stdin pipe: %w", err)}
		}

		stdoutR, stdoutW, err := os.Pipe()
		if err != nil {
			stdinR.Close()
			stdinW.Close()

			return nil, &errors.SpawnError{Args: cfg.Args, Err: fmt.Errorf("stdout pipe: %w", err)}
		}

		var stderrR, stderrW *os.File
		if cfg.CaptureStderr {
			stderrR, stderrW, err = os.Pipe()
			if err != nil {
				stdinR.Close()
				stdinW.Close()
				stdoutR.Close()
				stdoutW.Close()

				return nil, &errors.SpawnError{Args: cfg.Args, Err: fmt.Errorf("stderr pipe: %w", err)}
			}

			cmd.Stderr = stderrW
		} else {
			// Uncaptured diagnostics go where ours go, not to /dev/null.
			cmd.Stderr = os.Stderr
		}

		cmd.Stdin = stdinR
		cmd.Stdout = stdoutW
		cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: unix.SIGTERM}

		if err := cmd.Start(); err != nil {
			stdinR.Close()
			stdinW.Close()
			stdoutR.Close()
			stdoutW.Close()

			if stderrR != nil {
				stderrR.Close()
				stderrW.Close()
			}

			return nil, &errors.SpawnError{Args: cfg.Args, Err: err}
		}

		// The child holds its own copies now.
		stdinR.Close()
		stdoutW.Close()

		if stderrW != nil {
			stderrW.Close()

			spool, err := NewSpooler(r, int(stderrR.Fd()), log)
			stderrR.Close()

			if err != nil {
				stdinW.Close()
				stdoutR.Close()
				_ = cmd.Process.Kill()

				return nil, &errors.SpawnError{Args: cfg.Args, Err: err}
			}

			t.stderr = spool
		}

		t.stdin = stdinW
		t.stdout = stdoutR
		readFD = int(stdoutR.Fd())
		writeFD = int(stdinW.Fd())
	}

	t.cmd = cmd

	log = log.With("component", "subprocess_transport", "pid", cmd.Process.Pid)
	if err := t.init(r, consumer, log, t, readFD, writeFD, eioIsEOF); err != nil {
		t.teardown()

		return nil, &errors.SpawnError{Args: cfg.Args, Err: err}
	}

	watchExit(r, cmd, t.exitObserved)

	return t, nil
}

// exitObserved caches the child's exit status and notifies the consumer,
// unless the transport already began closing.
func (t *SubprocessTransport) exitObserved(status int) {
	if t.exited {
		return
	}

	t.exitStatus = status
	t.exited = true
	t.log.Debug("process exited", "status", status)

	if !t.IsClosing() {
		t.proto.ProcessExited()
	}
}

// Pid returns the child's process id.
func (t *SubprocessTransport) Pid() int {
	return t.cmd.Process.Pid
}

// ExitStatus returns the child's exit status and whether it has been
// observed yet. Once observed, the value never changes. Death by signal
// is reported as the negated signal number.
func (t *SubprocessTransport) ExitStatus() (int, bool) {
	return t.exitStatus, t.exited
}

// GetStderr returns the stderr output collected so far, or "" when
// stderr is not captured. With reset, the collected buffer is cleared.
func (t *SubprocessTransport) GetStderr(reset bool) string {
	if t.stderr == nil {
		return ""
	}

	return string(t.stderr.Get(reset))
}

// SetWindowSize propagates terminal geometry to the pty. Calling it on a
// transport without a pty is a programming error and panics.
func (t *SubprocessTransport) SetWindowSize(size WindowSize) error {
	if t.ptmx == nil {
		panic("fdtransport: SetWindowSize on a transport without a pty")
	}

	if err := pty.Setsize(t.ptmx, &pty.Winsize{Rows: size.Rows, Cols: size.Cols}); err != nil {
		return fmt.Errorf("set window size: %w", err)
	}

	return nil
}

// SendSignal delivers sig to the child. It is a no-op once the exit
// status is known, so a reused pid is never signalled, and a child that
// exited just now (ESRCH) is a benign race.
func (t *SubprocessTransport) SendSignal(sig os.Signal) error {
	if t.exited {
		t.log.Debug("not signalling exited process", "signal", sig)

		return nil
	}

	if err := t.cmd.Process.Signal(sig); err != nil {
		if stderrors.Is(err, os.ErrProcessDone) || stderrors.Is(err, unix.ESRCH) {
			t.log.Debug("process exited before signal", "signal", sig)

			return nil
		}

		return fmt.Errorf("signal %v to pid %d: %w", sig, t.Pid(), err)
	}

	t.log.Debug("sent signal", "signal", sig)

	return nil
}

// Terminate asks the child to exit (SIGTERM).
func (t *SubprocessTransport) Terminate() error {
	return t.SendSignal(unix.SIGTERM)
}

// Kill forcefully terminates the child (SIGKILL).
func (t *SubprocessTransport) Kill() error {
	return t.SendSignal(unix.SIGKILL)
}

func (t *SubprocessTransport) canWriteEOF() bool {
	return t.stdin != nil
}

func (t *SubprocessTransport) writeEOFNow() {
	t.stdin.Close()
	t.stdin = nil
	t.writeFD = -1
}

// teardown releases everything the transport owns. Guarded so repeated
// calls are no-ops.
func (t *SubprocessTransport) teardown() {
	if t.tornDown {
		return
	}

	t.tornDown = true

	if t.ptmx != nil {
		t.ptmx.Close()
		t.ptmx = nil
	}

	if t.stdout != nil {
		t.stdout.Close()
		t.stdout = nil
	}

	if t.stdin != nil {
		t.stdin.Close()
		t.stdin = nil
	}

	// Best effort; the child may have dropped privileges we no longer
	// share, in which case the death signal still covers us.
	if err := t.Terminate(); err != nil {
		t.log.Debug("cannot terminate child", "error", err)
	}
}
