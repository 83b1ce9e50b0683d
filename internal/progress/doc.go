// Package progress owns the merged progress view of long-running backend jobs.
// Push deltas and poll snapshots are submitted to an Engine, which applies
// them one at a time on a background goroutine using Merge and fans the
// resulting changes out to pluggable sinks such as the subscription registry,
// Prometheus metrics, or structured logs.
package progress
