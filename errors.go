package tracenode

import (
	"github.com/openlabnet/tracenode/internal/bridge"
	"github.com/openlabnet/tracenode/internal/nio"
	"github.com/openlabnet/tracenode/internal/node"
	"github.com/openlabnet/tracenode/internal/ports"
)

// Sentinel errors for error inspection with errors.Is.
// These are immutable constants safe for use in wrapped error chain comparison.
const (
	// ErrConfig is returned when the trace executable is missing or not
	// executable, or the bridging helper dependency is unavailable.
	ErrConfig = node.ErrConfig

	// ErrResolve is returned when the tunnel destination hostname cannot be
	// resolved to an IPv4 address.
	ErrResolve = node.ErrResolve

	// ErrLaunch is returned when the trace process fails to spawn. The error
	// message carries the tail of the process log.
	ErrLaunch = node.ErrLaunch

	// ErrCapture is returned for capture operations on an unbound or
	// already-capturing interface.
	ErrCapture = node.ErrCapture

	// ErrClosed is returned when operating on a node after Close.
	ErrClosed = node.ErrClosed

	// ErrPortNotFound is returned for operations addressing an adapter port
	// index the node does not have.
	ErrPortNotFound = nio.ErrPortNotFound

	// ErrAlreadyCapturing is wrapped into ErrCapture errors when a capture
	// is started twice; exposed for callers that want the precise cause.
	ErrAlreadyCapturing = nio.ErrAlreadyCapturing

	// ErrRangeExhausted is returned when no free port remains in the
	// configured lease range.
	ErrRangeExhausted = ports.ErrRangeExhausted

	// ErrLeaseNotHeld is returned when releasing a port lease the project
	// does not hold.
	ErrLeaseNotHeld = ports.ErrLeaseNotHeld

	// ErrBridgeBinaryNotFound is returned when the bridging helper binary
	// cannot be resolved to an executable file.
	ErrBridgeBinaryNotFound = bridge.ErrBinaryNotFound
)
