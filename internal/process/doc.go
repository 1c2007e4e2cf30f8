// Package process supervises external child processes: spawn with output
// redirected to a per-run log file, asynchronous exit notification through a
// single Wait goroutine, and a graceful-terminate-then-kill stop sequence.
package process
