// Package engine owns one running conversion service: the backend registry,
// capability graph, artifact cache, selector, optimizer, executor and
// telemetry sink, plus the periodic maintenance loops that tie them together.
//
// Callers build an Engine from configuration, Start its background loops,
// submit Requests and Close it when done. Nothing in the engine is global;
// two engines with separate cache directories can run side by side.
package engine
