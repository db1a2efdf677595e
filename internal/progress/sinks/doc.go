// Package sinks implements concrete progress consumers: Prometheus collectors,
// the partition run repository, and structured logging. Each sink satisfies
// the progress.Sink interface.
package sinks
