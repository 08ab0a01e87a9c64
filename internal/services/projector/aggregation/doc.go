// Package aggregation turns ordered slices of events into document writes.
//
// A projection is declared once with a builder that maps event types to
// create, apply and delete handlers. Build validates the table up front so
// configuration mistakes fail at startup, not while a shard is running.
// At runtime a page is grouped into per-identity slices and each slice folds
// into at most one upsert or delete operation.
package aggregation
