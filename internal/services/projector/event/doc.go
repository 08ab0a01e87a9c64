// Package event defines the read-only event model consumed by the projection
// daemon: events with global sequence numbers, pages of events bounded by a
// floor and a ceiling, aggregate identities, and the payload registry that
// resolves raw JSON payloads into typed values.
//
// Appending events is owned by the write side; this package only describes
// what the daemon reads.
package event
