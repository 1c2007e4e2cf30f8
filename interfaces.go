package tracenode

import (
	"context"

	"github.com/openlabnet/tracenode/internal/nio"
	"github.com/openlabnet/tracenode/internal/node"
)

// NIO is a network attachment descriptor bound to a node's adapter port:
// either a UDP tunnel endpoint pair or a host TAP device.
type NIO = nio.NIO

// UDPNIO and TAPNIO are the concrete NIO variants. UDPNIOs are created
// through Manager.CreateUDPNIO so their local port is a project-scoped
// lease; TAPNIOs via NewTAPNIO.
type (
	UDPNIO = nio.UDP
	TAPNIO = nio.TAP
)

// Summary is a node's serialized state for the management layer.
type Summary = node.Summary

// Node is one supervised trace node.
//
// Lifecycle calls on a single node must be serialized by the caller; lookup
// methods are safe at any time. The asynchronous crash path never surfaces
// as an error from these methods: it flips Status to "stopped" and reports
// through the manager's event sink.
type Node interface {
	Name() string
	ID() string
	Project() string
	WorkingDir() string
	ConsolePort() int
	CommandLine() string
	Status() string
	IsRunning() bool
	Summary() Summary

	// Start launches the trace process and wires it to the bridging helper.
	// A no-op when already running.
	Start(ctx context.Context) error
	// Stop tears down the bridge attachment and terminates the process.
	// Always completes; termination failures are logged, not returned.
	Stop(ctx context.Context) error
	// Reload is Stop then Start; not atomic.
	Reload(ctx context.Context) error
	// Close releases all node resources. Idempotent; the first call returns
	// true, later calls false.
	Close(ctx context.Context) (bool, error)

	Bind(ctx context.Context, port int, attachment NIO) error
	Update(ctx context.Context, port int, attachment NIO) error
	Unbind(ctx context.Context, port int) (NIO, error)
	StartCapture(ctx context.Context, port int, outputFile string) error
	StopCapture(ctx context.Context, port int) error

	// ReadProcessLog returns the trace process log, lossily decoded.
	ReadProcessLog() string
}

var _ Node = (*node.Node)(nil)
