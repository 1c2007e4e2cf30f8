package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/openlabnet/tracenode/internal/events"
	"github.com/openlabnet/tracenode/internal/fileutil"
	"github.com/openlabnet/tracenode/internal/nio"
)

// Start launches the trace process and wires it to the bridging helper.
// Requirements are validated on every call; with those intact, a running
// node makes Start a no-op.
//
// Ordering: requirements check, command build (creating the local tunnel on
// first start), spawn with the log file truncated, bridge helper start,
// bridge registration for a bound NIO, console wrapper, then status started.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return fmt.Errorf("start node %s: %w", n.name, ErrClosed)
	}
	if err := n.checkRequirements(); err != nil {
		return err
	}
	if n.sup.IsRunning() {
		return nil
	}

	peer := n.adapter.NIO(0)
	command, err := n.buildCommandLocked(ctx)
	if err != nil {
		return err
	}
	// Recorded before the spawn so failed launches still show up in the
	// summary for diagnostics.
	n.commandLine = strings.Join(command, " ")

	// Each run gets its own generation so a watcher left over from a
	// previous run cannot act on a restarted process.
	n.runGen++
	gen := n.runGen

	cmd := exec.Command(command[0], command[1:]...)
	if err := n.sup.Start(cmd, n.workingDir, n.logPath(), func(code int) { n.onProcessExit(gen, code) }); err != nil {
		return fmt.Errorf("%w %q: %v\n%s",
			ErrLaunch, command[0], err, fileutil.Tail(n.readLogLocked(), logTailBytes))
	}
	n.log.Info("trace process started", "pid", n.sup.Pid(), "command", n.commandLine)

	if err := n.gateway.Start(ctx); err != nil {
		n.abortStartLocked()
		return fmt.Errorf("start bridge gateway: %w", err)
	}
	if peer != nil {
		if err := n.gateway.AddUDPConnection(ctx, n.BridgeName(), n.tunnel.bridgeSide, peer); err != nil {
			n.abortStartLocked()
			return fmt.Errorf("register bridge connection: %w", err)
		}
	}
	if err := n.console.Start(); err != nil {
		n.abortStartLocked()
		return err
	}

	n.started.Store(true)
	return nil
}

// checkRequirements verifies the trace executable and the bridging helper
// dependency before any resource is touched.
func (n *Node) checkRequirements() error {
	path := n.executablePath()
	if path == "" {
		return fmt.Errorf("%w: no trace executable configured", ErrConfig)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: trace executable %q is not accessible", ErrConfig, path)
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: trace executable %q is not executable", ErrConfig, path)
	}
	if err := n.gateway.Available(); err != nil {
		return fmt.Errorf("%w: bridging helper unavailable: %v", ErrConfig, err)
	}
	return nil
}

// abortStartLocked rolls back a partially completed start: the helper and
// the freshly spawned process are torn down best effort. The started flag
// was never set, so the termination watcher stays silent.
func (n *Node) abortStartLocked() {
	if err := n.gateway.Stop(); err != nil {
		n.log.Warn("stop bridge gateway after failed start", "error", err)
	}
	if n.sup.IsRunning() {
		if err := n.sup.Stop(n.cfg.GracePeriod); err != nil {
			n.log.Warn("stop trace process after failed start", "error", err)
		}
	} else {
		n.sup.Clear()
	}
	n.console.Stop()
}

// onProcessExit is the termination watcher, invoked exactly once from the
// supervisor's wait goroutine when the trace process exits. Whichever of the
// watcher and an explicit Stop observes termination first performs the state
// transition; the other is a no-op. gen identifies the run the watcher was
// registered for: a stale watcher that acquires the lock only after the node
// was restarted must not touch the new run's state.
func (n *Node) onProcessExit(gen uint64, exitCode int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if gen != n.runGen {
		return
	}
	if !n.started.CompareAndSwap(true, false) {
		return
	}
	n.sup.Clear()
	n.log.Info("trace process exited", "exit_code", exitCode)
	if exitCode != 0 {
		n.events.Emit(events.KindLogError, map[string]any{
			"node_id": n.id,
			"message": fmt.Sprintf("trace process has stopped, exit code: %d\n%s",
				exitCode, fileutil.Tail(n.readLogLocked(), logTailBytes)),
		})
	}
}

// Stop terminates the trace process. The bridging helper is torn down first
// so it never holds a dangling attachment, then the process gets SIGTERM,
// the grace period, and SIGKILL. Stop always completes and leaves the node
// stopped; termination failures are logged, not returned.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.stopLocked(ctx)
	return nil
}

func (n *Node) stopLocked(_ context.Context) {
	if err := n.gateway.Stop(); err != nil {
		n.log.Warn("stop bridge gateway", "error", err)
	}

	if n.started.CompareAndSwap(true, false) {
		n.log.Info("trace node stopped")
	}
	if n.sup.IsRunning() {
		if err := n.sup.Stop(n.cfg.GracePeriod); err != nil {
			n.log.Warn("trace process stop incomplete", "error", err)
		}
	} else {
		n.sup.Clear()
	}
	n.console.Stop()
}

// Reload stops and restarts the node. Not atomic: when the restart fails the
// node stays stopped and the error propagates.
func (n *Node) Reload(ctx context.Context) error {
	if err := n.Stop(ctx); err != nil {
		return err
	}
	return n.Start(ctx)
}

// Close releases everything the node owns: the bound NIO's UDP lease, both
// tunnel leases, the console leases, the bridging helper, and the process if
// still running. Idempotent; the first call returns true, later calls false.
func (n *Node) Close(ctx context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return false, nil
	}
	n.closed = true

	if udp, ok := n.adapter.NIO(0).(*nio.UDP); ok {
		n.releaseUDP(ctx, udp.LPort())
	}
	if n.tunnel != nil {
		n.releaseUDP(ctx, n.tunnel.local.LPort())
		n.releaseUDP(ctx, n.tunnel.bridgeSide.LPort())
		n.tunnel = nil
	}

	n.stopLocked(ctx)

	n.releaseTCP(ctx, n.consolePort)
	n.releaseTCP(ctx, n.internalConsolePort)
	n.log.Info("trace node closed")
	return true, nil
}

// ReadProcessLog returns the trace process log, lossily decoded. A missing
// or unreadable log reads as empty.
func (n *Node) ReadProcessLog() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.readLogLocked()
}

func (n *Node) readLogLocked() string {
	text, err := fileutil.ReadLossy(n.logPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			n.log.Warn("read process log", "path", n.logPath(), "error", err)
		}
		return ""
	}
	return text
}

func (n *Node) releaseUDP(ctx context.Context, port int) {
	if err := n.ports.ReleaseUDPPort(ctx, port, n.project); err != nil {
		n.log.Warn("release udp port", "port", port, "error", err)
	}
}

func (n *Node) releaseTCP(ctx context.Context, port int) {
	if err := n.ports.ReleaseTCPPort(ctx, port, n.project); err != nil {
		n.log.Warn("release tcp port", "port", port, "error", err)
	}
}
