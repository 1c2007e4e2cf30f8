package ports

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/openlabnet/tracenode/internal/sentinel"
)

// Default lease ranges. UDP tunnel ports and TCP console ports live in
// disjoint ranges so a glance at a port number tells what it carries.
const (
	DefaultUDPRangeStart = 10000
	DefaultUDPRangeEnd   = 20000
	DefaultTCPRangeStart = 5000
	DefaultTCPRangeEnd   = 10000
)

// maxProbeSkips bounds how many kernel-busy ports a single acquire may skip
// before giving up. This guards against pathological hosts where most of the
// range is bound by other software.
const maxProbeSkips = 100

// ErrRangeExhausted is returned when no free port remains in the configured range.
const ErrRangeExhausted = sentinel.Error("port range exhausted")

// ErrLeaseNotHeld is returned when releasing a port that is not leased by
// the given project.
const ErrLeaseNotHeld = sentinel.Error("port lease not held")

// Config holds the lease service configuration. Zero range values fall back
// to the package defaults.
type Config struct {
	UDPRangeStart int
	UDPRangeEnd   int
	TCPRangeStart int
	TCPRangeEnd   int

	// Journal is the optional cross-process lease journal. When nil, leases
	// are tracked in-process only.
	Journal *Journal

	// Logger (optional, defaults to slog.Default())
	Logger *slog.Logger
}

// Service hands out UDP and TCP port leases scoped to a project. Safe for
// concurrent use; a mutex guards the lease tables while kernel probes run
// outside of it only for ports already marked as taken.
type Service struct {
	mu  sync.Mutex
	udp *leaseTable
	tcp *leaseTable

	journal *Journal
	log     *slog.Logger
}

// leaseTable tracks leased ports within one range for one protocol.
type leaseTable struct {
	proto      string // "udp" or "tcp"
	start, end int
	next       int            // rotating scan cursor
	held       map[int]string // port -> project
}

// NewService creates a lease service. Invalid or zero ranges fall back to
// the defaults.
func NewService(cfg Config) *Service {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	udpStart, udpEnd := normalizeRange(cfg.UDPRangeStart, cfg.UDPRangeEnd, DefaultUDPRangeStart, DefaultUDPRangeEnd)
	tcpStart, tcpEnd := normalizeRange(cfg.TCPRangeStart, cfg.TCPRangeEnd, DefaultTCPRangeStart, DefaultTCPRangeEnd)
	return &Service{
		udp:     &leaseTable{proto: "udp", start: udpStart, end: udpEnd, next: udpStart, held: make(map[int]string)},
		tcp:     &leaseTable{proto: "tcp", start: tcpStart, end: tcpEnd, next: tcpStart, held: make(map[int]string)},
		journal: cfg.Journal,
		log:     log,
	}
}

func normalizeRange(start, end, defStart, defEnd int) (int, int) {
	if start <= 0 || end <= 0 || end < start {
		return defStart, defEnd
	}
	return start, end
}

// AcquireUDPPort leases a free UDP port on the loopback interface for the
// given project.
func (s *Service) AcquireUDPPort(ctx context.Context, project string) (int, error) {
	return s.acquire(ctx, s.udp, project)
}

// ReleaseUDPPort returns a UDP lease. Releasing a port the project does not
// hold returns ErrLeaseNotHeld; double releases are therefore loud instead
// of silently corrupting another node's lease.
func (s *Service) ReleaseUDPPort(ctx context.Context, port int, project string) error {
	return s.release(ctx, s.udp, port, project)
}

// AcquireTCPPort leases a free TCP port for the given project, used for
// wrapped node consoles.
func (s *Service) AcquireTCPPort(ctx context.Context, project string) (int, error) {
	return s.acquire(ctx, s.tcp, project)
}

// ReleaseTCPPort returns a TCP lease.
func (s *Service) ReleaseTCPPort(ctx context.Context, port int, project string) error {
	return s.release(ctx, s.tcp, port, project)
}

// LeasedPorts returns the ports currently held by the project for the given
// protocol ("udp" or "tcp"), in no particular order.
func (s *Service) LeasedPorts(proto, project string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	table := s.udp
	if proto == "tcp" {
		table = s.tcp
	}
	var out []int
	for port, p := range table.held {
		if p == project {
			out = append(out, port)
		}
	}
	return out
}

func (s *Service) acquire(ctx context.Context, table *leaseTable, project string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := table.end - table.start + 1
	skips := 0
	for i := 0; i < span && skips < maxProbeSkips; i++ {
		port := table.next
		table.next++
		if table.next > table.end {
			table.next = table.start
		}
		if _, taken := table.held[port]; taken {
			continue
		}
		if !probeFree(table.proto, port) {
			// Bound by something outside this service; skip it.
			skips++
			s.log.Debug("port busy in kernel, skipping", "proto", table.proto, "port", port)
			continue
		}
		if s.journal != nil {
			if err := s.journal.Record(ctx, table.proto, port, project); err != nil {
				return 0, fmt.Errorf("journal %s lease for port %d: %w", table.proto, port, err)
			}
		}
		table.held[port] = project
		return port, nil
	}
	return 0, fmt.Errorf("acquire %s port in range %d-%d: %w", table.proto, table.start, table.end, ErrRangeExhausted)
}

func (s *Service) release(ctx context.Context, table *leaseTable, port int, project string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	holder, ok := table.held[port]
	if !ok || holder != project {
		return fmt.Errorf("release %s port %d for project %s: %w", table.proto, port, project, ErrLeaseNotHeld)
	}
	delete(table.held, port)
	if s.journal != nil {
		if err := s.journal.Remove(ctx, table.proto, port, project); err != nil {
			// The in-process lease is gone either way; a stale journal row
			// is reclaimed later by PurgeStale.
			s.log.Warn("remove lease from journal", "proto", table.proto, "port", port, "error", err)
		}
	}
	return nil
}

// probeFree asks the kernel whether the loopback port can be bound right now.
// The probe socket is closed immediately; the registry entry is what keeps
// the port from being handed out twice by this service.
func probeFree(proto string, port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	switch proto {
	case "udp":
		conn, err := net.ListenPacket("udp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
	default:
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return false
		}
		_ = l.Close()
	}
	return true
}
