// Package state persists pipeline execution history and cached stage
// results. A Store keeps the full snapshot in memory and flushes it to disk
// synchronously on every mutation with an atomic temp-file-plus-rename
// write, so a crash never leaves a half-written snapshot behind. The package
// also provides the TTL result cache in two backends: the in-memory
// partitions of the Store itself and a Redis-backed implementation for
// deployments that share cache entries across processes.
package state
