// Package setup owns the bilateral setup-negotiation protocol.
//
// Ownership boundary:
// - the phase machine (whose turn it is, and what the next phase is)
// - planning merge writes for submit, approve, and advance
// - phase-conditioned application of those writes against a docstore.Store
// - deriving the per-participant view of a setup document
//
// Two clients never talk directly. Every transition is a merge write guarded
// by a precondition on the phase that was read, so a lost race is reported
// as out of turn instead of being applied twice.
package setup
