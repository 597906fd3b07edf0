// Package optimizer learns from executed conversion steps.
//
// Every live step result nudges the metrics of its graph edge with an
// exponential moving average and lands in a bounded per-conversion history.
// Tick periodically pulls the selector's complexity thresholds toward the
// observed score distribution. The optimizer also caches complexity profiles
// by content hash so repeated inputs are analyzed once.
package optimizer
