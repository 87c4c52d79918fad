// Package steps defines the negotiation steps a pairing walks through and the
// payload shape each step carries.
//
// Ownership boundary:
// - step identity and ordering (Sequence)
// - per-step payload schema, validation, and defaulting decode
// - conversion between native Go values and docstore.Value
//
// The phase machine that decides whose turn it is lives in internal/setup.
package steps
