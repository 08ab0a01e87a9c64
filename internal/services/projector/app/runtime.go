// Package app wires storage, projections, the shard daemon and its outer
// surfaces into the projectiond process.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/projectiond/internal/platform/retry"
	"github.com/louisbranch/projectiond/internal/platform/timeouts"
	"github.com/louisbranch/projectiond/internal/services/projector/aggregation"
	apihttp "github.com/louisbranch/projectiond/internal/services/projector/api/http"
	"github.com/louisbranch/projectiond/internal/services/projector/daemon"
	"github.com/louisbranch/projectiond/internal/services/projector/event"
	"github.com/louisbranch/projectiond/internal/services/projector/highwater"
	"github.com/louisbranch/projectiond/internal/services/projector/notify/kafka"
	"github.com/louisbranch/projectiond/internal/services/projector/notify/rabbitmq"
	"github.com/louisbranch/projectiond/internal/services/projector/projections/trip"
	projectorsqlite "github.com/louisbranch/projectiond/internal/services/projector/storage/sqlite"
)

// RuntimeConfig controls daemon startup, shard tuning and optional sinks.
type RuntimeConfig struct {
	Port                    int
	HTTPAddr                string
	DBPath                  string
	PollInterval            time.Duration
	StaleThreshold          time.Duration
	BatchSize               int
	HopperSize              int
	PauseTime               time.Duration
	RetryMaxAttempts        int
	RetryBackoff            time.Duration
	RetryMaxDelay           time.Duration
	SkipUnknownEvents       bool
	SkipSerializationErrors bool
	SkipApplyErrors         bool
	StreamIdentity          string
	ShardConfig             string
	KafkaBrokers            []string
	KafkaTopic              string
	RabbitMQURL             string
	RabbitMQExchange        string
}

const (
	defaultPort     = 8095
	defaultHTTPAddr = ":8096"
	defaultDBPath   = "data/projectiond.db"

	healthService = "projectiond.daemon"
)

func (cfg RuntimeConfig) normalized() RuntimeConfig {
	if cfg.Port <= 0 {
		cfg.Port = defaultPort
	}
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		cfg.HTTPAddr = defaultHTTPAddr
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}
	return cfg
}

func (cfg RuntimeConfig) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     cfg.RetryMaxAttempts,
		InitialInterval: cfg.RetryBackoff,
		MaxInterval:     cfg.RetryMaxDelay,
	}
}

func (cfg RuntimeConfig) options() daemon.Options {
	opts := daemon.DefaultOptions()
	if cfg.BatchSize > 0 {
		opts.BatchSize = cfg.BatchSize
	}
	if cfg.HopperSize > 0 {
		opts.HopperSize = cfg.HopperSize
	}
	if cfg.PauseTime > 0 {
		opts.PauseTime = cfg.PauseTime
	}
	opts.Retry = cfg.retryPolicy()
	opts.ErrorHandling = daemon.ErrorHandling{
		SkipUnknownEvents:       cfg.SkipUnknownEvents,
		SkipSerializationErrors: cfg.SkipSerializationErrors,
		SkipApplyErrors:         cfg.SkipApplyErrors,
	}
	opts.Logf = log.Printf
	return opts
}

// OpenStore creates the database directory and opens the projector store.
func OpenStore(dbPath, streamIdentity string) (*projectorsqlite.Store, error) {
	identity, err := event.ParseStreamIdentity(streamIdentity)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create projector storage dir: %w", err)
		}
	}
	store, err := projectorsqlite.Open(dbPath, projectorsqlite.WithStreamIdentity(identity))
	if err != nil {
		return nil, fmt.Errorf("open projector sqlite store: %w", err)
	}
	return store, nil
}

// NewRegistry returns the event registry of every bundled projection.
func NewRegistry() (*event.Registry, error) {
	registry := event.NewRegistry()
	if err := trip.Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}

// Projections returns every bundled projection.
func Projections() ([]aggregation.Aggregator, error) {
	trips, err := trip.Projection()
	if err != nil {
		return nil, fmt.Errorf("build trip projection: %w", err)
	}
	return []aggregation.Aggregator{trips}, nil
}

// NewDaemon builds a daemon over store with the bundled projections
// registered but no shard started.
func NewDaemon(store *projectorsqlite.Store, cfg RuntimeConfig) (*daemon.Daemon, error) {
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	overrides, err := daemon.LoadOverrides(cfg.ShardConfig)
	if err != nil {
		return nil, err
	}
	detector, err := highwater.New(highwater.Config{
		Store:          store,
		PollInterval:   cfg.PollInterval,
		StaleThreshold: cfg.StaleThreshold,
		Logf:           log.Printf,
	})
	if err != nil {
		return nil, fmt.Errorf("create high water detector: %w", err)
	}
	d, err := daemon.New(daemon.Config{
		Store:     store,
		Registry:  registry,
		Detector:  detector,
		Options:   cfg.options(),
		Overrides: overrides,
		Logf:      log.Printf,
	})
	if err != nil {
		return nil, fmt.Errorf("create daemon: %w", err)
	}
	projections, err := Projections()
	if err != nil {
		return nil, err
	}
	if err := d.Register(projections...); err != nil {
		return nil, err
	}
	return d, nil
}

// Run starts every shard and serves health, the operator API and the
// configured notification sinks until ctx ends.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg = cfg.normalized()

	store, err := OpenStore(cfg.DBPath, cfg.StreamIdentity)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close projector sqlite store: %v", closeErr)
		}
	}()

	d, err := NewDaemon(store, cfg)
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on projectiond port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()
	log.Printf("projectiond health server listening at %v", listener.Addr())

	if err := d.StartAll(ctx); err != nil {
		log.Printf("start shards: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return d.Run(gctx)
	})
	g.Go(func() error {
		return watchStore(gctx, store, timeouts.HealthPoll, healthServer, healthService)
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apihttp.NewHandler(d, d.Hub().Dropped, log.Printf),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	g.Go(func() error {
		log.Printf("projectiond operator api listening at %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve operator api: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := startSinks(gctx, g, d, cfg); err != nil {
		healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		cancel()
		return errors.Join(err, g.Wait())
	}

	err = g.Wait()
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return err
}

// startSinks launches the enabled notification publishers inside g. A sink
// that cannot connect fails startup so misconfiguration is visible.
func startSinks(ctx context.Context, g *errgroup.Group, d *daemon.Daemon, cfg RuntimeConfig) error {
	if len(cfg.KafkaBrokers) > 0 {
		publisher, err := kafka.New(kafka.Config{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			Retry:   cfg.retryPolicy(),
			Logf:    log.Printf,
		})
		if err != nil {
			return fmt.Errorf("start kafka sink: %w", err)
		}
		g.Go(func() error {
			defer publisher.Close()
			return publisher.Run(ctx, d)
		})
	}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		publisher, err := rabbitmq.New(rabbitmq.Config{
			URL:      cfg.RabbitMQURL,
			Exchange: cfg.RabbitMQExchange,
			Retry:    cfg.retryPolicy(),
			Logf:     log.Printf,
		})
		if err != nil {
			return fmt.Errorf("start rabbitmq sink: %w", err)
		}
		g.Go(func() error {
			defer func() {
				if closeErr := publisher.Close(); closeErr != nil {
					log.Printf("close rabbitmq sink: %v", closeErr)
				}
			}()
			return publisher.Run(ctx, d)
		})
	}
	return nil
}
