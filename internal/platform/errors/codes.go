// Package errors provides coded errors for the projection daemon.
//
// Codes classify failures into the daemon's recovery policy: transient storage
// failures are retried and pause a shard, everything else stops the shard and
// is surfaced through shard-state notifications.
package errors

import "net/http"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Storage errors
	CodeTransientStorage Code = "TRANSIENT_STORAGE"
	CodeNotFound         Code = "NOT_FOUND"
	CodeProgressConflict Code = "PROGRESS_CONFLICT"

	// Event resolution errors
	CodeUnknownEventType     Code = "UNKNOWN_EVENT_TYPE"
	CodeEventDeserialization Code = "EVENT_DESERIALIZATION"

	// Projection errors
	CodeProjectionHandler   Code = "PROJECTION_HANDLER"
	CodeProjectionConfig    Code = "PROJECTION_CONFIG"
	CodeInvariantViolation  Code = "INVARIANT_VIOLATION"
	CodeRebuildTimeout      Code = "REBUILD_TIMEOUT"
	CodeShardNotRunning     Code = "SHARD_NOT_RUNNING"
	CodeShardAlreadyRunning Code = "SHARD_ALREADY_RUNNING"
)

// Transient reports whether the code describes a retryable condition.
func (c Code) Transient() bool {
	return c == CodeTransientStorage
}

// HTTPStatus maps codes to operator API status codes.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeShardNotRunning, CodeShardAlreadyRunning, CodeProgressConflict:
		return http.StatusConflict
	case CodeProjectionConfig:
		return http.StatusBadRequest
	case CodeRebuildTimeout:
		return http.StatusGatewayTimeout
	case CodeTransientStorage:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
