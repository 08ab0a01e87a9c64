// Package timeouts defines shared timeout constants used across the daemon.
// Centralizing these values prevents drift between components and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the operator HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 5 * time.Second

// Drain caps how long a shard may take to flush in-flight pages when the
// daemon is stopping.
const Drain = 30 * time.Second

// Publish caps one notification sink delivery.
const Publish = 5 * time.Second

// HealthPoll spaces store health checks and caps each one.
const HealthPoll = 5 * time.Second
