// Package ports implements the port-lease service shared by all trace nodes
// on a host. UDP ports carry tunnel traffic between a node's process and the
// bridging helper; TCP ports serve the wrapped node consoles. Leases are
// scoped to a project and must be released exactly once on every exit path.
//
// Besides the in-process registry, leases are journaled to a SQLite file
// guarded by a file lock, so concurrent supervisor processes on the same
// host cannot hand out the same port and stale leases left by crashed
// supervisors can be reclaimed.
package ports
