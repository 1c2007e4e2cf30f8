// Package bridge manages the bridging helper: a long-lived external process
// that multiplexes virtual node traffic onto UDP tunnels. The helper is
// spawned per node, exposes a TCP command channel, and accepts named-bridge
// management commands (create/delete, attach UDP or TAP endpoints,
// start/stop capture).
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/openlabnet/tracenode/internal/nio"
	"github.com/openlabnet/tracenode/internal/ports"
	"github.com/openlabnet/tracenode/internal/process"
	"github.com/openlabnet/tracenode/internal/sentinel"
)

// ErrNotRunning is returned for commands issued while the helper process is
// not started.
const ErrNotRunning = sentinel.Error("bridge helper is not running")

// ErrBinaryNotFound is returned when the helper binary cannot be resolved
// to an executable file.
const ErrBinaryNotFound = sentinel.Error("bridge helper binary not found")

// readinessPollInterval is the interval between TCP dial attempts while
// waiting for the helper's command channel to come up.
const readinessPollInterval = 10 * time.Millisecond

// readinessDialTimeout is the per-attempt dial timeout for readiness checks.
// Generous for loopback; early refusals return immediately anyway.
const readinessDialTimeout = time.Second

// Config holds the gateway configuration.
type Config struct {
	Binary       string         // helper binary name or path (e.g. "ubridge")
	DataDir      string         // working directory for the helper log
	Project      string         // project scope for the command-channel port lease
	Ports        *ports.Service // lease service for the command-channel TCP port
	StartTimeout time.Duration  // bound on helper readiness after spawn
	StopTimeout  time.Duration  // grace period for helper shutdown

	// Logger (optional, defaults to slog.Default())
	Logger *slog.Logger
}

// validate checks required fields.
func (c Config) validate() error {
	if c.Binary == "" {
		return errors.New("binary must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if c.Ports == nil {
		return errors.New("port lease service must not be nil")
	}
	if c.StartTimeout <= 0 {
		return errors.New("start timeout must be positive")
	}
	return nil
}

// Gateway supervises one bridging helper process and its command channel.
// Not safe for concurrent use; the owning node serializes lifecycle calls.
type Gateway struct {
	cfg  Config
	sup  *process.Supervisor
	cli  *client
	port int // leased TCP command port, 0 when stopped
	log  *slog.Logger
}

// New creates a Gateway. The helper process is not started until Start.
func New(cfg Config) (*Gateway, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid bridge config: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cfg: cfg,
		sup: process.New("bridge-helper", log),
		log: log,
	}, nil
}

// ResolveBinary resolves name to an executable path, searching PATH for
// bare names. Returns ErrBinaryNotFound when nothing executable matches.
func ResolveBinary(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: no binary configured", ErrBinaryNotFound)
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrBinaryNotFound, name, err)
	}
	return path, nil
}

// Available reports whether the helper binary can be launched at all,
// without starting it. Nodes refuse to start when their bridging dependency
// is missing.
func (g *Gateway) Available() error {
	_, err := ResolveBinary(g.cfg.Binary)
	return err
}

// Running reports whether the helper process is up and the command channel
// is connected.
func (g *Gateway) Running() bool {
	return g.cli != nil && g.sup != nil && g.sup.IsRunning()
}

// Start spawns the helper and connects to its command channel. A no-op when
// already running.
func (g *Gateway) Start(ctx context.Context) error {
	if g.Running() {
		return nil
	}

	binary, err := ResolveBinary(g.cfg.Binary)
	if err != nil {
		return err
	}

	port, err := g.cfg.Ports.AcquireTCPPort(ctx, g.cfg.Project)
	if err != nil {
		return fmt.Errorf("lease bridge command port: %w", err)
	}

	cmd := exec.Command(binary, "-H", fmt.Sprintf("127.0.0.1:%d", port))
	logPath := filepath.Join(g.cfg.DataDir, "bridge.log")
	if err := g.sup.Start(cmd, g.cfg.DataDir, logPath, nil); err != nil {
		g.releasePort(port)
		return fmt.Errorf("start bridge helper: %w", err)
	}
	g.log.Info("bridge helper started", "pid", g.sup.Pid(), "port", port)

	if err := g.waitChannelReady(ctx, port); err != nil {
		_ = g.sup.Stop(g.cfg.StopTimeout)
		g.releasePort(port)
		return err
	}

	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), readinessDialTimeout)
	if err != nil {
		_ = g.sup.Stop(g.cfg.StopTimeout)
		g.releasePort(port)
		return fmt.Errorf("connect bridge command channel: %w", err)
	}

	g.cli = newClient(conn)
	g.port = port
	return nil
}

// waitChannelReady polls the helper's TCP port until it accepts connections.
func (g *Gateway) waitChannelReady(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	dialer := &net.Dialer{Timeout: readinessDialTimeout}
	err := process.WaitReady(ctx, process.WaitReadyConfig{
		Interval:      readinessPollInterval,
		Timeout:       g.cfg.StartTimeout,
		Name:          "bridge-helper",
		Port:          port,
		Logger:        g.log,
		ProcessExited: g.sup.Exited(),
	}, func(checkCtx context.Context, attempt int) (bool, error) {
		conn, dialErr := dialer.DialContext(checkCtx, "tcp", addr)
		if dialErr != nil {
			g.log.Debug("bridge channel dial attempt", "port", port, "attempt", attempt, "error", dialErr)
			return false, nil
		}
		_ = conn.Close()
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("bridge helper not ready: %w", err)
	}
	return nil
}

// Stop disconnects the command channel, terminates the helper, and returns
// the command-port lease. Safe to call when not running.
func (g *Gateway) Stop() error {
	if g.cli != nil {
		if err := g.cli.close(); err != nil {
			g.log.Debug("close bridge command channel", "error", err)
		}
		g.cli = nil
	}
	var err error
	if g.sup.IsRunning() {
		err = g.sup.Stop(g.cfg.StopTimeout)
	} else {
		g.sup.Clear()
	}
	if g.port != 0 {
		g.releasePort(g.port)
		g.port = 0
	}
	return err
}

func (g *Gateway) releasePort(port int) {
	if err := g.cfg.Ports.ReleaseTCPPort(context.Background(), port, g.cfg.Project); err != nil {
		g.log.Warn("release bridge command port", "port", port, "error", err)
	}
}

// Send issues a raw command over the channel and returns its payload lines.
func (g *Gateway) Send(ctx context.Context, command string) ([]string, error) {
	if g.cli == nil {
		return nil, fmt.Errorf("send %q: %w", command, ErrNotRunning)
	}
	return g.cli.send(ctx, command)
}

// AddUDPConnection creates the named bridge, attaches the node-side tunnel
// endpoint and the peer NIO, and brings the bridge up. Traffic flows as soon
// as this returns. A capture armed on the peer NIO while the bridge did not
// exist yet is replayed here, so toggling capture on a stopped node takes
// effect once the connection is registered.
func (g *Gateway) AddUDPConnection(ctx context.Context, name string, tunnel *nio.UDP, peer nio.NIO) error {
	if _, err := g.Send(ctx, fmt.Sprintf("bridge create %s", name)); err != nil {
		return err
	}
	if _, err := g.Send(ctx, fmt.Sprintf("bridge add_nio_udp %s %d %s %d",
		name, tunnel.LPort(), tunnel.RHost(), tunnel.RPort())); err != nil {
		return err
	}
	if err := g.addPeerNIO(ctx, name, peer); err != nil {
		return err
	}
	if peer.Capturing() {
		if _, err := g.Send(ctx, fmt.Sprintf("bridge start_capture %s %q", name, peer.CaptureFile())); err != nil {
			return err
		}
	}
	if _, err := g.Send(ctx, fmt.Sprintf("bridge start %s", name)); err != nil {
		return err
	}
	return nil
}

// addPeerNIO attaches the far-side NIO variant to the named bridge.
func (g *Gateway) addPeerNIO(ctx context.Context, name string, peer nio.NIO) error {
	switch p := peer.(type) {
	case *nio.UDP:
		_, err := g.Send(ctx, fmt.Sprintf("bridge add_nio_udp %s %d %s %d",
			name, p.LPort(), p.RHost(), p.RPort()))
		return err
	case *nio.TAP:
		_, err := g.Send(ctx, fmt.Sprintf("bridge add_nio_tap %s %s", name, p.Device()))
		return err
	default:
		return fmt.Errorf("add nio to bridge %s: unsupported nio type %T", name, peer)
	}
}

// UpdateUDPConnection rewires the named bridge for an updated peer NIO by
// deleting and re-creating it. A missing bridge is not an error, so updates
// are valid immediately after a connection change.
func (g *Gateway) UpdateUDPConnection(ctx context.Context, name string, tunnel *nio.UDP, peer nio.NIO) error {
	if err := g.DeleteBridge(ctx, name); err != nil && !errors.Is(err, ErrCommandFailed) {
		return err
	}
	return g.AddUDPConnection(ctx, name, tunnel, peer)
}

// DeleteBridge removes the named bridge from the helper.
func (g *Gateway) DeleteBridge(ctx context.Context, name string) error {
	_, err := g.Send(ctx, fmt.Sprintf("bridge delete %s", name))
	return err
}

// StartCapture starts a packet capture on the named bridge into outputFile.
func (g *Gateway) StartCapture(ctx context.Context, name, outputFile string) error {
	_, err := g.Send(ctx, fmt.Sprintf("bridge start_capture %s %q", name, outputFile))
	return err
}

// StopCapture stops the packet capture on the named bridge.
func (g *Gateway) StopCapture(ctx context.Context, name string) error {
	_, err := g.Send(ctx, fmt.Sprintf("bridge stop_capture %s", name))
	return err
}

// LogPath returns the helper's log file path for diagnostics.
func (g *Gateway) LogPath() string {
	return filepath.Join(g.cfg.DataDir, "bridge.log")
}

// ReadLog returns the helper's log contents, or "" when the log does not
// exist yet.
func (g *Gateway) ReadLog() string {
	data, err := os.ReadFile(g.LogPath())
	if err != nil {
		return ""
	}
	return string(data)
}
