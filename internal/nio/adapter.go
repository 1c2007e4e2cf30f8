package nio

import (
	"fmt"

	"github.com/openlabnet/tracenode/internal/sentinel"
)

// ErrPortNotFound is returned for operations on an adapter port index that
// does not exist.
const ErrPortNotFound = sentinel.Error("port does not exist on adapter")

// Adapter is an Ethernet-like interface binding with a fixed number of
// ports, each holding at most one NIO. Trace nodes use a single-port
// adapter. Not safe for concurrent use; the owning node serializes access.
type Adapter struct {
	ports int
	nios  map[int]NIO
}

// NewEthernetAdapter creates an adapter with one Ethernet port.
func NewEthernetAdapter() *Adapter {
	return &Adapter{ports: 1, nios: make(map[int]NIO)}
}

// Ports returns the number of ports on the adapter.
func (a *Adapter) Ports() int {
	return a.ports
}

// PortExists reports whether the port index is valid for this adapter.
func (a *Adapter) PortExists(port int) bool {
	return port >= 0 && port < a.ports
}

// NIO returns the attachment on the given port, or nil when the port is
// invalid or empty.
func (a *Adapter) NIO(port int) NIO {
	return a.nios[port]
}

// Attach binds n to the port, replacing any previous attachment. The
// replaced NIO's resources are not released here; that is the caller's
// responsibility.
func (a *Adapter) Attach(port int, n NIO) error {
	if !a.PortExists(port) {
		return fmt.Errorf("attach to port %d: %w", port, ErrPortNotFound)
	}
	a.nios[port] = n
	return nil
}

// Detach removes and returns the attachment on the port. Returns nil when
// the port was empty.
func (a *Adapter) Detach(port int) (NIO, error) {
	if !a.PortExists(port) {
		return nil, fmt.Errorf("detach from port %d: %w", port, ErrPortNotFound)
	}
	n := a.nios[port]
	delete(a.nios, port)
	return n, nil
}

func (a *Adapter) String() string {
	return fmt.Sprintf("EthernetAdapter(%d port)", a.ports)
}
