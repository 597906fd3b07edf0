// Package telemetry publishes step results and task outcomes.
//
// Publishing never blocks the caller: results go through a bounded queue
// drained by a background goroutine, and are dropped (and counted) when the
// queue is full. The Prometheus sink owns its registry and can serve it on
// a /metrics listener.
package telemetry
