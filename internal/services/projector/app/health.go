package app

import (
	"context"
	"log"
	"time"

	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// watchStore keeps service SERVING only while store answers pings. It
// checks once immediately and then every interval until ctx ends.
func watchStore(ctx context.Context, store pinger, interval time.Duration, server *health.Server, service string) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var last error
	first := true
	for {
		pingCtx, cancel := context.WithTimeout(ctx, interval)
		err := store.Ping(pingCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		if first || (err == nil) != (last == nil) {
			status := grpc_health_v1.HealthCheckResponse_SERVING
			if err != nil {
				status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
				log.Printf("projector store unreachable: %v", err)
			}
			server.SetServingStatus(service, status)
		}
		last, first = err, false

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
