package tracenode

import (
	"log/slog"
	"sync/atomic"
)

// customLogger is the caller-supplied package logger, stored as an atomic
// pointer for data-race-free replacement while nodes are running. Nil means
// no custom logger has been set.
var customLogger atomic.Pointer[slog.Logger]

// defaultLogger caches the default-derived logger (slog.Default() with the
// tracenode component attribute) so it is not re-created on every Logger
// call. If slog.SetDefault() changes afterwards, the cache keeps the old
// destination; call SetLogger(nil) to clear it and re-derive.
var defaultLogger atomic.Pointer[slog.Logger]

// Logger returns the current package-level logger. If no custom logger has
// been set via SetLogger, a cached logger derived from slog.Default() with
// the tracenode component attribute is returned. Safe for concurrent use.
func Logger() *slog.Logger {
	if l := customLogger.Load(); l != nil {
		return l
	}
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	l := slog.Default().With("component", "tracenode")
	// CompareAndSwap so a concurrently cached value is not overwritten; if
	// another goroutine won, use theirs.
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}
	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}
	return l
}

// SetLogger replaces the package-level logger handed to managers and nodes
// created afterwards. The provided logger should already carry any desired
// attributes; tracenode adds per-node attributes on top.
//
// If l is nil, the logger resets to the default: slog.Default() with the
// component attribute, re-derived on the next Logger call and then cached.
// Call SetLogger(nil) after slog.SetDefault() to pick up changes.
//
// Safe to call concurrently with other tracenode operations.
func SetLogger(l *slog.Logger) {
	customLogger.Store(l)
	defaultLogger.Store(nil)
}
