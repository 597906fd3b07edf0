// Package executor runs a conversion route over a real input.
//
// Steps run in order. Each step first consults the content cache by the
// digest of its input; a hit reuses the cached artifact without calling a
// backend. On a miss the step's complexity profile picks the backend order
// and the selector converts with fallback. A step that exhausts its backends
// aborts the task with a FailureReport; no alternate route is tried.
//
// Identical concurrent tasks (same input digest, route signature and
// parameters) share one execution: the first caller leads and the others
// receive its step trace and a copy of its artifact.
package executor
