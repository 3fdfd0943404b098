// Package recovery implements the failure taxonomy of the pipeline engine:
// error classification, bounded exponential-backoff retry, and graceful
// degradation. The Handler combines the three into the single entry point
// the coordinator delegates every stage execution to.
package recovery
