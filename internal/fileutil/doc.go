// Package fileutil provides small file helpers shared across tracenode:
// recursive directory creation, lossy UTF-8 log reads, and bounded log tails
// used when surfacing child-process diagnostics.
package fileutil
