// Package projectiond parses daemon command flags and launches the runtime.
package projectiond

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/projectiond/internal/platform/cmd"
	projectorapp "github.com/louisbranch/projectiond/internal/services/projector/app"
)

// Config holds daemon command configuration.
type Config struct {
	Port                    int           `env:"PROJECTIOND_PORT" envDefault:"8095"`
	HTTPAddr                string        `env:"PROJECTIOND_HTTP_ADDR" envDefault:":8096"`
	DBPath                  string        `env:"PROJECTIOND_DB_PATH" envDefault:"data/projectiond.db"`
	PollInterval            time.Duration `env:"PROJECTIOND_POLL_INTERVAL" envDefault:"1s"`
	StaleThreshold          time.Duration `env:"PROJECTIOND_STALE_THRESHOLD" envDefault:"3s"`
	BatchSize               int           `env:"PROJECTIOND_BATCH_SIZE" envDefault:"500"`
	HopperSize              int           `env:"PROJECTIOND_HOPPER_SIZE" envDefault:"1000"`
	PauseTime               time.Duration `env:"PROJECTIOND_PAUSE_TIME" envDefault:"5s"`
	RetryMaxAttempts        int           `env:"PROJECTIOND_RETRY_MAX_ATTEMPTS" envDefault:"3"`
	RetryBackoff            time.Duration `env:"PROJECTIOND_RETRY_BACKOFF" envDefault:"100ms"`
	RetryMaxDelay           time.Duration `env:"PROJECTIOND_RETRY_MAX_DELAY" envDefault:"2s"`
	SkipUnknownEvents       bool          `env:"PROJECTIOND_SKIP_UNKNOWN_EVENTS" envDefault:"true"`
	SkipSerializationErrors bool          `env:"PROJECTIOND_SKIP_SERIALIZATION_ERRORS" envDefault:"false"`
	SkipApplyErrors         bool          `env:"PROJECTIOND_SKIP_APPLY_ERRORS" envDefault:"false"`
	StreamIdentity          string        `env:"PROJECTIOND_STREAM_IDENTITY" envDefault:"string"`
	ShardConfig             string        `env:"PROJECTIOND_SHARD_CONFIG"`
	KafkaBrokers            []string      `env:"PROJECTIOND_KAFKA_BROKERS" envSeparator:","`
	KafkaTopic              string        `env:"PROJECTIOND_KAFKA_TOPIC" envDefault:"projectiond.shards"`
	RabbitMQURL             string        `env:"PROJECTIOND_RABBITMQ_URL"`
	RabbitMQExchange        string        `env:"PROJECTIOND_RABBITMQ_EXCHANGE" envDefault:"projectiond"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The health gRPC server port")
	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "The operator API listen address")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The projector SQLite database path")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "High-water mark poll interval")
	fs.DurationVar(&cfg.StaleThreshold, "stale-threshold", cfg.StaleThreshold, "How long a sequence gap may persist before it is skipped")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum events per page")
	fs.IntVar(&cfg.HopperSize, "hopper-size", cfg.HopperSize, "Maximum sequences fetched ahead of the last commit")
	fs.DurationVar(&cfg.PauseTime, "pause-time", cfg.PauseTime, "How long a shard pauses after a transient failure")
	fs.IntVar(&cfg.RetryMaxAttempts, "retry-max-attempts", cfg.RetryMaxAttempts, "Storage attempts before a failure pauses the shard")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum retry delay")
	fs.BoolVar(&cfg.SkipUnknownEvents, "skip-unknown-events", cfg.SkipUnknownEvents, "Skip events with no registered payload type")
	fs.BoolVar(&cfg.SkipSerializationErrors, "skip-serialization-errors", cfg.SkipSerializationErrors, "Skip events whose payload cannot be decoded")
	fs.BoolVar(&cfg.SkipApplyErrors, "skip-apply-errors", cfg.SkipApplyErrors, "Dead-letter events whose handler fails")
	fs.StringVar(&cfg.StreamIdentity, "stream-identity", cfg.StreamIdentity, "Stream id kind: string or guid")
	fs.StringVar(&cfg.ShardConfig, "shard-config", cfg.ShardConfig, "YAML file with per-shard overrides")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the daemon runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceProjector, func(ctx context.Context) error {
		return projectorapp.Run(ctx, projectorapp.RuntimeConfig{
			Port:                    cfg.Port,
			HTTPAddr:                cfg.HTTPAddr,
			DBPath:                  cfg.DBPath,
			PollInterval:            cfg.PollInterval,
			StaleThreshold:          cfg.StaleThreshold,
			BatchSize:               cfg.BatchSize,
			HopperSize:              cfg.HopperSize,
			PauseTime:               cfg.PauseTime,
			RetryMaxAttempts:        cfg.RetryMaxAttempts,
			RetryBackoff:            cfg.RetryBackoff,
			RetryMaxDelay:           cfg.RetryMaxDelay,
			SkipUnknownEvents:       cfg.SkipUnknownEvents,
			SkipSerializationErrors: cfg.SkipSerializationErrors,
			SkipApplyErrors:         cfg.SkipApplyErrors,
			StreamIdentity:          cfg.StreamIdentity,
			ShardConfig:             cfg.ShardConfig,
			KafkaBrokers:            cfg.KafkaBrokers,
			KafkaTopic:              cfg.KafkaTopic,
			RabbitMQURL:             cfg.RabbitMQURL,
			RabbitMQExchange:        cfg.RabbitMQExchange,
		})
	})
}
