// Package nio defines the network attachment descriptors (NIOs) a trace
// node's adapter port can hold: a UDP tunnel endpoint pair or a host TAP
// device. NIOs carry packet-capture state independent of the node's run
// state; toggling capture before the process starts is valid and takes
// effect once it runs.
package nio

import (
	"fmt"

	"github.com/openlabnet/tracenode/internal/sentinel"
)

// ErrAlreadyCapturing is returned by StartCapture when a capture is active.
const ErrAlreadyCapturing = sentinel.Error("packet capture is already activated")

// NIO is a network attachment bound to an adapter port.
type NIO interface {
	// Capturing reports whether a packet capture is active on this NIO.
	Capturing() bool
	// CaptureFile returns the capture output path, or "" when not capturing.
	CaptureFile() string
	// StartCapture marks the NIO as capturing into outputFile.
	StartCapture(outputFile string) error
	// StopCapture clears the capturing state.
	StopCapture()

	fmt.Stringer
}

// captureState is the capture bookkeeping shared by all NIO variants.
type captureState struct {
	capturing   bool
	captureFile string
}

func (c *captureState) Capturing() bool {
	return c.capturing
}

func (c *captureState) CaptureFile() string {
	return c.captureFile
}

func (c *captureState) StartCapture(outputFile string) error {
	if c.capturing {
		return ErrAlreadyCapturing
	}
	c.capturing = true
	c.captureFile = outputFile
	return nil
}

func (c *captureState) StopCapture() {
	c.capturing = false
	c.captureFile = ""
}

// UDP is a UDP tunnel endpoint: a local source port and a remote
// destination host/port the peer listens on.
type UDP struct {
	captureState
	lport int
	rhost string
	rport int
}

// NewUDP creates a UDP tunnel NIO.
func NewUDP(lport int, rhost string, rport int) (*UDP, error) {
	if lport <= 0 || rport <= 0 {
		return nil, fmt.Errorf("udp nio: ports must be positive (lport=%d rport=%d)", lport, rport)
	}
	if rhost == "" {
		return nil, fmt.Errorf("udp nio: remote host must not be empty")
	}
	return &UDP{lport: lport, rhost: rhost, rport: rport}, nil
}

// LPort returns the local source port of the tunnel.
func (n *UDP) LPort() int { return n.lport }

// RHost returns the remote destination host of the tunnel.
func (n *UDP) RHost() string { return n.rhost }

// RPort returns the remote destination port of the tunnel.
func (n *UDP) RPort() int { return n.rport }

func (n *UDP) String() string {
	return fmt.Sprintf("NIO_UDP(%d:%s:%d)", n.lport, n.rhost, n.rport)
}

// TAP is a host TAP device attachment.
type TAP struct {
	captureState
	device string
}

// NewTAP creates a TAP NIO for the named host device.
func NewTAP(device string) (*TAP, error) {
	if device == "" {
		return nil, fmt.Errorf("tap nio: device name must not be empty")
	}
	return &TAP{device: device}, nil
}

// Device returns the host TAP device name.
func (n *TAP) Device() string { return n.device }

func (n *TAP) String() string {
	return fmt.Sprintf("NIO_TAP(%s)", n.device)
}
