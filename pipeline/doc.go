// Package pipeline implements the multi-stage orchestration engine. A
// Coordinator runs registered stages sequentially over a shared context
// map, delegating every execution to the recovery handler, persisting
// progress in the state store, and resolving each run to success, partial
// success or failure.
package pipeline
