// Package types defines the shared data contracts of the pipeline engine:
// the structured error model with retryability metadata, and the
// discriminated stage Result with its legacy payload adapter.
package types
