// Package task holds the lifecycle statuses and per-step result records shared
// by the executor, the optimizer, telemetry and the engine.
package task
