// Package sinks implements concrete consumers of engine change batches:
// Prometheus collectors, structured logging and Pub/Sub announcements of
// finished jobs. Each sink satisfies the progress.Sink interface.
package sinks
