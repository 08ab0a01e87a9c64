package event

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTenant is the tenant recorded for single-tenant streams.
const DefaultTenant = "*DEFAULT*"

// Type identifies an event shape, e.g. "trip.started".
type Type string

// Event is one immutable record of the append-only log.
type Event struct {
	// Seq is the global, monotonically increasing sequence number.
	Seq uint64
	// StreamID is the aggregate stream key (GUID or string, see StreamIdentity).
	StreamID string
	// Version is the per-stream position, starting at 1.
	Version uint64
	Type    Type
	// TenantID is DefaultTenant for single-tenant data.
	TenantID string
	// AggregateType is the stream-type alias tag; may be empty for old data.
	AggregateType string
	Timestamp     time.Time
	PayloadJSON   []byte
	// Data holds the resolved payload once the registry has decoded it.
	Data any
}

// Identity returns the aggregate identity of the event's stream.
func (e Event) Identity() Identity {
	return Identity{StreamID: e.StreamID, TenantID: normalizeTenant(e.TenantID)}
}

// Identity is the key of one materialized document.
type Identity struct {
	StreamID string
	TenantID string
}

// IsZero reports whether the identity has no stream id.
func (i Identity) IsZero() bool {
	return strings.TrimSpace(i.StreamID) == ""
}

func (i Identity) String() string {
	return normalizeTenant(i.TenantID) + "/" + i.StreamID
}

func normalizeTenant(tenant string) string {
	tenant = strings.TrimSpace(tenant)
	if tenant == "" {
		return DefaultTenant
	}
	return tenant
}

// NormalizeTenant maps an empty tenant id to DefaultTenant.
func NormalizeTenant(tenant string) string {
	return normalizeTenant(tenant)
}

// StreamIdentity controls how stream ids are keyed.
type StreamIdentity int

const (
	// AsString keys streams by an arbitrary non-empty string.
	AsString StreamIdentity = iota
	// AsGUID keys streams by a UUID in canonical lowercase form.
	AsGUID
)

// ParseStreamIdentity accepts "string" or "guid".
func ParseStreamIdentity(value string) (StreamIdentity, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "string":
		return AsString, nil
	case "guid", "uuid":
		return AsGUID, nil
	default:
		return AsString, fmt.Errorf("unknown stream identity %q", value)
	}
}

func (s StreamIdentity) String() string {
	if s == AsGUID {
		return "guid"
	}
	return "string"
}

// Normalize validates a stream id and returns its canonical form.
func (s StreamIdentity) Normalize(streamID string) (string, error) {
	streamID = strings.TrimSpace(streamID)
	if streamID == "" {
		return "", fmt.Errorf("stream id is required")
	}
	if s != AsGUID {
		return streamID, nil
	}
	parsed, err := uuid.Parse(streamID)
	if err != nil {
		return "", fmt.Errorf("parse stream id %q: %w", streamID, err)
	}
	return parsed.String(), nil
}
