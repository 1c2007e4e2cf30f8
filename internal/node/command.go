package node

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/openlabnet/tracenode/internal/nio"
)

// Fixed launch-command tokens: the address-offset identity (-m) and the
// instance count (-i). Single-node supervision always runs one instance.
const (
	instanceToken = "1"
	instanceCount = "1"
)

// tunnel is the local UDP endpoint pair piping process traffic into the
// bridging helper: the process-facing endpoint goes on the command line, the
// helper-facing one is attached to the node's bridge.
type tunnel struct {
	local      *nio.UDP
	bridgeSide *nio.UDP
}

// ensureTunnelLocked creates the local tunnel on first use. The pair lives
// until Close releases both leases. Callers hold n.mu.
func (n *Node) ensureTunnelLocked(ctx context.Context) (*tunnel, error) {
	if n.tunnel != nil {
		return n.tunnel, nil
	}

	localPort, err := n.ports.AcquireUDPPort(ctx, n.project)
	if err != nil {
		return nil, fmt.Errorf("lease local tunnel port: %w", err)
	}
	bridgePort, err := n.ports.AcquireUDPPort(ctx, n.project)
	if err != nil {
		n.releaseUDP(ctx, localPort)
		return nil, fmt.Errorf("lease bridge tunnel port: %w", err)
	}

	local, err := nio.NewUDP(localPort, "127.0.0.1", bridgePort)
	if err == nil {
		var bridgeSide *nio.UDP
		bridgeSide, err = nio.NewUDP(bridgePort, "127.0.0.1", localPort)
		if err == nil {
			n.tunnel = &tunnel{local: local, bridgeSide: bridgeSide}
			n.log.Debug("local tunnel created", "local_port", localPort, "bridge_port", bridgePort)
			return n.tunnel, nil
		}
	}
	n.releaseUDP(ctx, localPort)
	n.releaseUDP(ctx, bridgePort)
	return nil, fmt.Errorf("create local tunnel: %w", err)
}

// buildCommandLocked assembles the launch argument list: executable, internal
// console port, identity and instance tokens, foreground flag, then the
// tunnel endpoints with the destination host resolved to a numeric IPv4
// address. Callers hold n.mu.
func (n *Node) buildCommandLocked(ctx context.Context) ([]string, error) {
	command := []string{
		n.executablePath(),
		"-p", strconv.Itoa(n.internalConsolePort),
		"-m", instanceToken,
		"-i", instanceCount,
		"-F",
	}

	tun, err := n.ensureTunnelLocked(ctx)
	if err != nil {
		return nil, err
	}
	addr, err := n.resolve(tun.local.RHost())
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrResolve, tun.local.RHost(), err)
	}
	command = append(command,
		"-s", strconv.Itoa(tun.local.LPort()),
		"-c", strconv.Itoa(tun.local.RPort()),
		"-t", addr,
	)
	return command, nil
}

// resolveIPv4 resolves host to a dotted-quad IPv4 address. Literal IPv4
// addresses pass through untouched.
func resolveIPv4(host string) (string, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String(), nil
		}
		return "", fmt.Errorf("%q is not an IPv4 address", host)
	}
	addrs, err := net.LookupIP(host)
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if v4 := addr.To4(); v4 != nil {
			return v4.String(), nil
		}
	}
	return "", fmt.Errorf("no IPv4 address for %q", host)
}
