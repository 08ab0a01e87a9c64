// Package storage defines the persistence contracts the projection daemon
// consumes: sequential event fetches, high-water statistics, document batches
// executed in one transaction, progress checkpoints, the rebuild work table
// and dead-letter records. Implementations live in subpackages.
//
// Common error types:
//   - ErrNotFound: requested record is missing
//   - ErrProgressConflict: a checkpoint moved under an optimistic update
package storage
