// Package projection keeps each participant's setup view current by
// subscribing to the shared document and re-deriving the view on every
// pushed snapshot.
//
// Ownership boundary:
// - one store subscription per document key, shared by every attachment
// - per-participant attachments with a latest-wins view stream
// - phase-change notification to observers
// - forwarding presentation intents to the setup engine
//
// Deliveries coalesce, so an observer may see a phase change that skips
// intermediate phases.
package projection
