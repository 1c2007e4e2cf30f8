package process

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/openlabnet/tracenode/internal/sentinel"
)

// ErrAlreadyStarted is returned by Start when a supervised process is still
// running. Callers must Stop (or observe exit) before starting again.
const ErrAlreadyStarted = sentinel.Error("process already started")

// ErrNilCmd is returned by Start when the command is nil.
const ErrNilCmd = sentinel.Error("cmd must not be nil")

// DefaultGracePeriod is the time a process is given to exit after SIGTERM
// before escalating to SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// killDrainTimeout bounds the wait for the Wait goroutine to deliver after
// SIGKILL. SIGKILL cannot be caught, so this should never fire; it exists to
// avoid blocking forever if cmd.Wait hangs on stuck I/O.
const killDrainTimeout = 10 * time.Second

// Supervisor runs at most one child process at a time. It is not safe for
// concurrent use; the owning node layer serializes lifecycle calls. The only
// concurrent actor is the internal Wait goroutine, which communicates through
// the exited channel and the onExit callback.
type Supervisor struct {
	cmd      *exec.Cmd
	waitDone <-chan error    // receives the cmd.Wait result, consumed by Stop
	exited   <-chan struct{} // closed after the exit code is recorded
	name     string
	log      *slog.Logger
}

// New creates a Supervisor for a named process. If logger is nil,
// slog.Default() is used.
func New(name string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{name: name, log: logger}
}

// Start launches cmd with its working directory set to workDir and both
// stdout and stderr redirected to a truncated log file at logPath. onExit,
// if non-nil, is invoked exactly once from the Wait goroutine when the
// process exits, with the process exit code (-1 if terminated by signal).
//
// The log file handle is closed in the parent once the child holds it; the
// child keeps writing to it for its whole lifetime.
func (s *Supervisor) Start(cmd *exec.Cmd, workDir, logPath string, onExit func(exitCode int)) error {
	if cmd == nil {
		return ErrNilCmd
	}
	if s.IsRunning() {
		return ErrAlreadyStarted
	}

	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("create process log %s: %w", logPath, err)
	}

	cmd.Dir = workDir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return fmt.Errorf("start %s process: %w", s.name, err)
	}
	_ = logFile.Close()

	// Exactly one goroutine calls cmd.Wait per started process. Its result
	// flows to Stop through waitDone (buffered so the goroutine never
	// blocks), while exited is a broadcast close observable by any reader.
	done := make(chan error, 1)
	exitedCh := make(chan struct{})
	go func() {
		waitErr := cmd.Wait()
		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		done <- waitErr
		close(exitedCh)
		if onExit != nil {
			onExit(code)
		}
	}()

	s.cmd = cmd
	s.waitDone = done
	s.exited = exitedCh
	return nil
}

// IsRunning reports whether a process handle exists and its exit has not yet
// been observed by the Wait goroutine.
func (s *Supervisor) IsRunning() bool {
	if s.cmd == nil {
		return false
	}
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// Pid returns the process ID, or 0 when no process handle is held.
func (s *Supervisor) Pid() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Exited returns a channel closed when the current process exits, or nil
// when no process has been started since the last Clear.
func (s *Supervisor) Exited() <-chan struct{} {
	return s.exited
}

// Clear drops the process handle without signaling anything. Used by the
// exit-observation path once the process is known to be gone.
func (s *Supervisor) Clear() {
	s.cmd = nil
	s.waitDone = nil
	s.exited = nil
}

// Stop terminates the running process: SIGTERM, then up to grace for a
// voluntary exit, then SIGKILL. A process that still fails to report an exit
// status is logged and abandoned; the handle is cleared regardless, so the
// supervisor always ends up stopped. A non-positive grace falls back to
// DefaultGracePeriod.
func (s *Supervisor) Stop(grace time.Duration) error {
	if s.cmd == nil || s.cmd.Process == nil {
		s.Clear()
		return nil
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}

	pid := s.Pid()
	err := s.terminateAndWait(grace)
	if err != nil {
		s.log.Warn("process stop incomplete; process may be orphaned",
			"process", s.name, "pid", pid, "error", err)
	}
	s.Clear()
	return err
}

// terminateAndWait implements the SIGTERM-grace-SIGKILL sequence against the
// pre-existing waitDone channel, so no second cmd.Wait is ever issued.
func (s *Supervisor) terminateAndWait(grace time.Duration) error {
	if err := s.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The process is usually already gone here; drain the Wait
		// goroutine with a hard bound instead of blocking forever.
		if ok, _ := drainDone(s.waitDone, killDrainTimeout); !ok {
			return fmt.Errorf("%s: timed out draining process after signal failure", s.name)
		}
		return nil
	}

	graceTimer := time.NewTimer(grace)
	defer graceTimer.Stop()

	select {
	case <-s.waitDone:
		return nil
	case <-graceTimer.C:
	}

	// Kill after the process has already exited returns "process already
	// finished", which is harmless and intentionally discarded.
	if err := s.cmd.Process.Kill(); err != nil && s.IsRunning() {
		s.log.Error("cannot kill process", "process", s.name, "error", err)
	}
	if ok, _ := drainDone(s.waitDone, killDrainTimeout); !ok {
		return fmt.Errorf("%s: no exit status after SIGKILL", s.name)
	}
	return nil
}

// drainDone reads from done with timeout as a hard upper bound. Returns true
// and the Wait error when the channel delivered in time.
func drainDone(done <-chan error, timeout time.Duration) (bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return true, err
	case <-t.C:
		return false, nil
	}
}
