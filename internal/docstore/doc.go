// Package docstore owns the shared document store contract.
//
// Ownership boundary:
// - dynamically typed document values
// - dotted-path merge writes and write preconditions
// - snapshot subscriptions (latest-state, coalescing)
// - in-memory and sqlite adapters
//
// The store does not know about phases or roles. Callers decide which
// fields a write may touch; the store only applies merges atomically.
package docstore
