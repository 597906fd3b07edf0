// Package graph models conversion capabilities as a weighted directed graph
// and finds the best route between two formats.
//
// Each edge is one atomic conversion (source>target) with the IDs of the
// backends able to perform it and learned metrics: success rate, average
// duration, quality score and popularity. Only the optimizer mutates metrics,
// through UpdateMetrics.
//
// FindRoute enumerates simple paths up to MaxHops over a snapshot taken at
// query time, so route search never holds the metrics lock. Each candidate is
// scored as a blend of aggregate quality (product of quality times success
// rate along the path) and speed (1/(1+total seconds)), weighted 70/30 toward
// quality when PreferQuality is set and 30/70 otherwise. Ties go to a direct
// edge, then to higher mean popularity, then to fewer hops, then to the
// lexically smaller signature so results are deterministic.
package graph
