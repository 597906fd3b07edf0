// Package services defines shared utilities consumed by the engine components
// and the backends they drive.
//
// Key responsibilities:
//   - Context helpers that stamp task IDs, route step indexes, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures
//     (route absence, cache I/O, backend exhaustion, cancellation) so callers
//     can decide between absorbing and propagating them.
//
// Use these helpers when wiring new components so error handling and
// observability stay uniform across the engine.
package services
