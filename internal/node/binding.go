package node

import (
	"context"
	"fmt"

	"github.com/openlabnet/tracenode/internal/fileutil"
	"github.com/openlabnet/tracenode/internal/nio"
)

// Bind attaches a NIO to the adapter port. When the process is running, the
// bridge connection is registered first so traffic flows as soon as the
// attachment is recorded. A previously attached NIO is replaced without
// releasing its resources; releasing stays with the caller.
func (n *Node) Bind(ctx context.Context, port int, attachment nio.NIO) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.adapter.PortExists(port) {
		return fmt.Errorf("bind to port %d on node %s: %w", port, n.name, nio.ErrPortNotFound)
	}
	if n.sup.IsRunning() && n.tunnel != nil {
		if err := n.gateway.AddUDPConnection(ctx, n.BridgeName(), n.tunnel.bridgeSide, attachment); err != nil {
			return err
		}
	}
	return n.adapter.Attach(port, attachment)
}

// Update re-registers the bridge connection for an updated NIO. Unlike Bind
// it never touches the stored attachment; it only rewires the helper, and
// only while the process is running.
func (n *Node) Update(ctx context.Context, port int, attachment nio.NIO) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.adapter.PortExists(port) {
		return fmt.Errorf("update port %d on node %s: %w", port, n.name, nio.ErrPortNotFound)
	}
	if n.sup.IsRunning() && n.tunnel != nil {
		return n.gateway.UpdateUDPConnection(ctx, n.BridgeName(), n.tunnel.bridgeSide, attachment)
	}
	return nil
}

// Unbind detaches and returns the NIO on the port. When the process is
// running the helper's bridge is deleted first. A detached UDP NIO's port
// lease is released here.
func (n *Node) Unbind(ctx context.Context, port int) (nio.NIO, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.adapter.PortExists(port) {
		return nil, fmt.Errorf("unbind port %d on node %s: %w", port, n.name, nio.ErrPortNotFound)
	}
	if n.sup.IsRunning() {
		if err := n.gateway.DeleteBridge(ctx, n.BridgeName()); err != nil {
			return nil, err
		}
	}
	detached, err := n.adapter.Detach(port)
	if err != nil {
		return nil, err
	}
	if udp, ok := detached.(*nio.UDP); ok {
		n.releaseUDP(ctx, udp.LPort())
	}
	return detached, nil
}

// StartCapture starts a packet capture into outputFile. The capture target
// is always the port-0 NIO; the port argument is validated but does not
// select anything on this single-port adapter. Capture state is independent
// of run state: toggled before start, it takes effect once the helper is up.
func (n *Node) StartCapture(ctx context.Context, port int, outputFile string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.adapter.PortExists(port) {
		return fmt.Errorf("start capture on port %d of node %s: %w", port, n.name, nio.ErrPortNotFound)
	}
	attachment := n.adapter.NIO(0)
	if attachment == nil {
		return fmt.Errorf("start capture on node %s: port is not connected: %w", n.name, ErrCapture)
	}
	if attachment.Capturing() {
		return fmt.Errorf("start capture on node %s: %w: %v", n.name, ErrCapture, nio.ErrAlreadyCapturing)
	}
	if err := fileutil.EnsureDirForFile(outputFile); err != nil {
		return fmt.Errorf("start capture on node %s: %w: %v", n.name, ErrCapture, err)
	}
	if err := attachment.StartCapture(outputFile); err != nil {
		return fmt.Errorf("start capture on node %s: %w: %v", n.name, ErrCapture, err)
	}
	if n.gateway.Running() {
		if err := n.gateway.StartCapture(ctx, n.BridgeName(), outputFile); err != nil {
			attachment.StopCapture()
			return err
		}
	}
	n.log.Info("packet capture started", "file", outputFile)
	return nil
}

// StopCapture stops the packet capture on the port-0 NIO.
func (n *Node) StopCapture(ctx context.Context, port int) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.adapter.PortExists(port) {
		return fmt.Errorf("stop capture on port %d of node %s: %w", port, n.name, nio.ErrPortNotFound)
	}
	attachment := n.adapter.NIO(0)
	if attachment == nil {
		return fmt.Errorf("stop capture on node %s: port is not connected: %w", n.name, ErrCapture)
	}
	attachment.StopCapture()
	if n.gateway.Running() {
		if err := n.gateway.StopCapture(ctx, n.BridgeName()); err != nil {
			return err
		}
	}
	n.log.Info("packet capture stopped")
	return nil
}

// NIO returns the attachment on the port, nil when empty or invalid.
func (n *Node) NIO(port int) nio.NIO {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.adapter.NIO(port)
}
