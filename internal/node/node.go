// Package node implements the supervised trace node: one external
// trace-generation process wired to a bridging helper through a local UDP
// tunnel, with lifecycle, interface-binding, and packet-capture operations
// exposed to the management layer above.
//
// A Node serializes its own lifecycle operations with a mutex; the only
// concurrent actor is the process termination watcher, which converges with
// an explicit Stop through an atomic started flag so the terminal state
// transition happens exactly once.
package node

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openlabnet/tracenode/internal/bridge"
	"github.com/openlabnet/tracenode/internal/console"
	"github.com/openlabnet/tracenode/internal/events"
	"github.com/openlabnet/tracenode/internal/fileutil"
	"github.com/openlabnet/tracenode/internal/nio"
	"github.com/openlabnet/tracenode/internal/ports"
	"github.com/openlabnet/tracenode/internal/process"
	"github.com/openlabnet/tracenode/internal/sentinel"
)

const (
	// ErrConfig is returned when the trace executable or the bridging helper
	// dependency cannot be used.
	ErrConfig = sentinel.Error("node configuration error")
	// ErrResolve is returned when the tunnel destination hostname cannot be
	// resolved to an IPv4 address.
	ErrResolve = sentinel.Error("cannot resolve tunnel destination")
	// ErrLaunch is returned when the trace process fails to spawn. The error
	// message carries the tail of the process log.
	ErrLaunch = sentinel.Error("could not start trace process")
	// ErrCapture is returned for capture operations on an unbound or
	// already-capturing interface.
	ErrCapture = sentinel.Error("packet capture error")
	// ErrClosed is returned when operating on a closed node.
	ErrClosed = sentinel.Error("node is closed")
)

// Node status values as surfaced in the summary.
const (
	StatusStopped = "stopped"
	StatusStarted = "started"
)

// defaultExecutable is the trace binary searched on PATH when the
// configuration names none.
const defaultExecutable = "traceng"

// processLogName is the per-run log file inside the node's working directory.
const processLogName = "traceng.log"

// logTailBytes bounds the log excerpt attached to launch errors and crash
// events.
const logTailBytes = 4096

// Gateway is the bridging-helper contract the node drives. *bridge.Gateway
// is the production implementation; tests substitute an in-memory stub.
type Gateway interface {
	Available() error
	Start(ctx context.Context) error
	Stop() error
	Running() bool
	AddUDPConnection(ctx context.Context, name string, tunnel *nio.UDP, peer nio.NIO) error
	UpdateUDPConnection(ctx context.Context, name string, tunnel *nio.UDP, peer nio.NIO) error
	DeleteBridge(ctx context.Context, name string) error
	StartCapture(ctx context.Context, name, outputFile string) error
	StopCapture(ctx context.Context, name string) error
}

var _ Gateway = (*bridge.Gateway)(nil)

// Config holds per-node tuning. Zero values fall back to defaults.
type Config struct {
	// TracePath is the trace binary name or path (default "traceng",
	// searched on PATH).
	TracePath string
	// GracePeriod is the time the process gets to exit after SIGTERM before
	// escalation to SIGKILL (default process.DefaultGracePeriod).
	GracePeriod time.Duration
}

// Params carries the collaborators and identity a Node is built from.
type Params struct {
	Name       string
	ID         string
	Project    string
	WorkingDir string

	Ports   *ports.Service
	Gateway Gateway

	// Events receives crash diagnostics (optional, defaults to a
	// slog-backed sink).
	Events events.Sink
	// Logger (optional, defaults to slog.Default())
	Logger *slog.Logger

	Config Config
}

func (p Params) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrConfig)
	}
	if p.ID == "" {
		return fmt.Errorf("%w: id must not be empty", ErrConfig)
	}
	if p.WorkingDir == "" {
		return fmt.Errorf("%w: working dir must not be empty", ErrConfig)
	}
	if p.Ports == nil {
		return fmt.Errorf("%w: port lease service must not be nil", ErrConfig)
	}
	if p.Gateway == nil {
		return fmt.Errorf("%w: bridge gateway must not be nil", ErrConfig)
	}
	return nil
}

// Node is one supervised trace node. Lifecycle operations are safe to call
// from multiple goroutines, though callers normally serialize them per node.
type Node struct {
	name       string
	id         string
	project    string
	workingDir string
	cfg        Config

	ports   *ports.Service
	gateway Gateway
	events  events.Sink
	log     *slog.Logger

	mu      sync.Mutex
	adapter *nio.Adapter
	sup     *process.Supervisor
	tunnel  *tunnel
	console *console.Proxy
	resolve func(host string) (string, error)

	consolePort         int // public, clients connect here
	internalConsolePort int // what the process listens on (-p)
	commandLine         string
	closed              bool

	// runGen counts process runs; the termination watcher carries the
	// generation it was registered for and ignores exits of earlier runs.
	// Guarded by mu.
	runGen uint64

	// started is the exactly-once transition shared by the termination
	// watcher and explicit Stop.
	started atomic.Bool
}

// New creates a Node and leases its console ports. The trace process is not
// started until Start.
func New(ctx context.Context, p Params) (*Node, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	log := p.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("node", p.Name)

	sink := p.Events
	if sink == nil {
		sink = events.NewLogSink(log)
	}
	if p.Config.GracePeriod <= 0 {
		p.Config.GracePeriod = process.DefaultGracePeriod
	}

	if err := fileutil.EnsureDir(p.WorkingDir); err != nil {
		return nil, err
	}

	consolePort, err := p.Ports.AcquireTCPPort(ctx, p.Project)
	if err != nil {
		return nil, fmt.Errorf("lease console port: %w", err)
	}
	internalPort, err := p.Ports.AcquireTCPPort(ctx, p.Project)
	if err != nil {
		if relErr := p.Ports.ReleaseTCPPort(ctx, consolePort, p.Project); relErr != nil {
			log.Warn("release console port", "port", consolePort, "error", relErr)
		}
		return nil, fmt.Errorf("lease internal console port: %w", err)
	}

	return &Node{
		name:                p.Name,
		id:                  p.ID,
		project:             p.Project,
		workingDir:          p.WorkingDir,
		cfg:                 p.Config,
		ports:               p.Ports,
		gateway:             p.Gateway,
		events:              sink,
		log:                 log,
		adapter:             nio.NewEthernetAdapter(),
		sup:                 process.New("traceng", log),
		console:             console.NewProxy(consolePort, internalPort, log),
		resolve:             resolveIPv4,
		consolePort:         consolePort,
		internalConsolePort: internalPort,
	}, nil
}

// Name returns the node name.
func (n *Node) Name() string { return n.name }

// ID returns the node identifier.
func (n *Node) ID() string { return n.id }

// Project returns the owning project identifier.
func (n *Node) Project() string { return n.project }

// WorkingDir returns the node working directory.
func (n *Node) WorkingDir() string { return n.workingDir }

// ConsolePort returns the public console port clients connect to.
func (n *Node) ConsolePort() int { return n.consolePort }

// BridgeName returns the name of this node's bridge inside the helper.
func (n *Node) BridgeName() string {
	return "TRACE-" + n.id
}

// CommandLine returns the last launch command as a display string, "" before
// the first start attempt.
func (n *Node) CommandLine() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.commandLine
}

// Status returns "started" or "stopped".
func (n *Node) Status() string {
	if n.started.Load() {
		return StatusStarted
	}
	return StatusStopped
}

// Pid returns the trace process ID, 0 when not running.
func (n *Node) Pid() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sup.Pid()
}

// IsRunning reports whether a live process handle is held.
func (n *Node) IsRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sup.IsRunning()
}

func (n *Node) logPath() string {
	return filepath.Join(n.workingDir, processLogName)
}

func (n *Node) executablePath() string {
	search := n.cfg.TracePath
	if search == "" {
		search = defaultExecutable
	}
	if path, err := exec.LookPath(search); err == nil {
		return path
	}
	// Not on PATH; hand back the configured value and let the requirements
	// check report it precisely.
	return search
}

// Summary is the node's serialized form for the management layer.
type Summary struct {
	Name          string `json:"name"`
	NodeID        string `json:"node_id"`
	NodeDirectory string `json:"node_directory"`
	Status        string `json:"status"`
	Console       int    `json:"console"`
	ConsoleType   string `json:"console_type"`
	ProjectID     string `json:"project_id"`
	CommandLine   string `json:"command_line"`
}

// Summary returns the node's current serialized state.
func (n *Node) Summary() Summary {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Summary{
		Name:          n.name,
		NodeID:        n.id,
		NodeDirectory: n.workingDir,
		Status:        n.Status(),
		Console:       n.consolePort,
		ConsoleType:   "telnet",
		ProjectID:     n.project,
		CommandLine:   n.commandLine,
	}
}
