// Package bbs owns the per-session command state machine.
//
// Ownership boundary:
// - verb parsing and the command table
// - conversational state transitions (new / chat-request / chat)
// - the two-party chat pairing protocol
//
// Every line is handled inside the session registry's critical section,
// so chat pairing never observes a half-mutated pair of sessions.
package bbs
