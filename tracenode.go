package tracenode

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openlabnet/tracenode/internal/bridge"
	"github.com/openlabnet/tracenode/internal/fileutil"
	"github.com/openlabnet/tracenode/internal/nio"
	"github.com/openlabnet/tracenode/internal/node"
	"github.com/openlabnet/tracenode/internal/ports"
)

// Manager creates and owns trace nodes plus the services they share: the
// port lease service and, when enabled, the on-disk lease journal.
//
// Manager methods are safe for concurrent use. Lifecycle calls on a single
// node must still be serialized by the caller.
type Manager struct {
	cfg     Config
	ports   *ports.Service
	journal *ports.Journal
	log     *slog.Logger

	mu     sync.Mutex
	nodes  map[string]*node.Node
	closed bool
}

// NewManager builds a manager from the configuration. Defaults are applied,
// the data directory is created, and when the lease journal is enabled,
// leases left behind by dead supervisor processes are reclaimed.
func NewManager(ctx context.Context, cfg Config) (*Manager, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log := Logger()

	if err := fileutil.EnsureDir(cfg.DataDir); err != nil {
		return nil, err
	}

	var journal *ports.Journal
	if cfg.EnableJournal {
		j, err := ports.OpenJournal(ctx, filepath.Join(cfg.DataDir, "leases.db"), log)
		if err != nil {
			return nil, err
		}
		if purged, err := j.PurgeStale(ctx); err != nil {
			log.Warn("purge stale leases", "error", err)
		} else if purged > 0 {
			log.Info("reclaimed stale port leases", "count", purged)
		}
		journal = j
	}

	svc := ports.NewService(ports.Config{
		UDPRangeStart: cfg.UDPRangeStart,
		UDPRangeEnd:   cfg.UDPRangeEnd,
		TCPRangeStart: cfg.TCPRangeStart,
		TCPRangeEnd:   cfg.TCPRangeEnd,
		Journal:       journal,
		Logger:        log,
	})

	return &Manager{
		cfg:     cfg,
		ports:   svc,
		journal: journal,
		log:     log,
		nodes:   make(map[string]*node.Node),
	}, nil
}

// NodeSpec identifies a node to create. ID is optional; a random UUID is
// generated when empty.
type NodeSpec struct {
	Name    string
	Project string
	ID      string
}

// CreateNode builds a node with its own working directory under the
// manager's data dir and its own bridging helper gateway. The node's trace
// process is not started.
func (m *Manager) CreateNode(ctx context.Context, spec NodeSpec) (Node, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: node name must not be empty", ErrConfig)
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("create node %s: %w", spec.Name, ErrClosed)
	}
	if _, exists := m.nodes[spec.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("create node %s: id %s already in use", spec.Name, spec.ID)
	}
	m.mu.Unlock()

	workingDir := filepath.Join(m.cfg.DataDir, "projects", spec.Project, "nodes", spec.ID)
	gw, err := bridge.New(bridge.Config{
		Binary:       m.cfg.BridgePath,
		DataDir:      workingDir,
		Project:      spec.Project,
		Ports:        m.ports,
		StartTimeout: m.cfg.StartTimeout,
		StopTimeout:  m.cfg.GracePeriod,
		Logger:       m.log.With("node", spec.Name),
	})
	if err != nil {
		return nil, err
	}

	n, err := node.New(ctx, node.Params{
		Name:       spec.Name,
		ID:         spec.ID,
		Project:    spec.Project,
		WorkingDir: workingDir,
		Ports:      m.ports,
		Gateway:    gw,
		Logger:     m.log,
		Config: node.Config{
			TracePath:   m.cfg.TracePath,
			GracePeriod: m.cfg.GracePeriod,
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		_, _ = n.Close(ctx)
		return nil, fmt.Errorf("create node %s: %w", spec.Name, ErrClosed)
	}
	if _, exists := m.nodes[spec.ID]; exists {
		_, _ = n.Close(ctx)
		return nil, fmt.Errorf("create node %s: id %s already in use", spec.Name, spec.ID)
	}
	m.nodes[spec.ID] = n
	return n, nil
}

// Node returns the node with the given id.
func (m *Manager) Node(id string) (Node, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}
	return n, true
}

// Nodes returns all nodes, in no particular order.
func (m *Manager) Nodes() []Node {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		out = append(out, n)
	}
	return out
}

// DeleteNode closes the node with the given id and forgets it. Unknown ids
// are a no-op.
func (m *Manager) DeleteNode(ctx context.Context, id string) error {
	m.mu.Lock()
	n, ok := m.nodes[id]
	delete(m.nodes, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	_, err := n.Close(ctx)
	return err
}

// CreateUDPNIO leases a UDP port for the project and builds a UDP NIO with
// the leased port as its local side. Binding the NIO to a node hands the
// lease over: it is released on unbind or node close. A NIO that never gets
// bound must be returned with ReleaseUDPNIO.
func (m *Manager) CreateUDPNIO(ctx context.Context, project, rhost string, rport int) (*UDPNIO, error) {
	lport, err := m.ports.AcquireUDPPort(ctx, project)
	if err != nil {
		return nil, err
	}
	n, err := nio.NewUDP(lport, rhost, rport)
	if err != nil {
		if relErr := m.ports.ReleaseUDPPort(ctx, lport, project); relErr != nil {
			m.log.Warn("release udp port", "port", lport, "error", relErr)
		}
		return nil, err
	}
	return n, nil
}

// ReleaseUDPNIO returns the port lease of a UDP NIO that was never bound to
// a node.
func (m *Manager) ReleaseUDPNIO(ctx context.Context, project string, n *UDPNIO) error {
	return m.ports.ReleaseUDPPort(ctx, n.LPort(), project)
}

// NewTAPNIO builds a TAP NIO for the named host device. TAP attachments
// carry no port lease.
func NewTAPNIO(device string) (*TAPNIO, error) {
	return nio.NewTAP(device)
}

// Close closes every node in parallel, then shuts the shared services.
// Safe to call more than once.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	nodes := make([]*node.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.nodes = make(map[string]*node.Node)
	m.mu.Unlock()

	var g errgroup.Group
	for _, n := range nodes {
		g.Go(func() error {
			_, err := n.Close(ctx)
			return err
		})
	}
	err := g.Wait()

	if m.journal != nil {
		if closeErr := m.journal.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	return err
}
