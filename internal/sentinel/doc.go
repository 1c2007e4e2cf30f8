// Package sentinel provides an immutable const-compatible error type used
// for package-level sentinel errors across tracenode.
package sentinel
