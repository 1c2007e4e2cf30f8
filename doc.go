// Package tracenode supervises emulated network-trace nodes: each node runs
// an external trace-generation binary as a child process, wired to a
// bridging helper over a local UDP tunnel, with start/stop/reload/capture
// operations exposed to a node-management layer.
//
// # Basic Usage
//
//	import "github.com/openlabnet/tracenode"
//
//	ctx := context.Background()
//
//	cfg, err := tracenode.LoadConfig("tracenode.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	mgr, err := tracenode.NewManager(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close(ctx)
//
//	n, err := mgr.CreateNode(ctx, tracenode.NodeSpec{Name: "trace1", Project: "lab"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := n.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Stop(ctx)
//
// Wiring a node to a peer goes through NIOs: lease-backed UDP tunnel
// endpoints from Manager.CreateUDPNIO, or host TAP devices from NewTAPNIO,
// bound to the node's single adapter port with Bind.
//
// Node status is "stopped" or "started". A crash of the trace process flips
// the status asynchronously and emits a diagnostic event carrying the exit
// code and the process log tail; no synchronous call sees it as an error.
package tracenode
