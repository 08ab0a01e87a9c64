// Package maintenance implements offline projection upkeep: rebuilding a
// projection without the daemon, listing checkpoints and reading dead letters.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	entrypoint "github.com/louisbranch/projectiond/internal/platform/cmd"
	"github.com/louisbranch/projectiond/internal/services/projector/aggregation"
	projectorapp "github.com/louisbranch/projectiond/internal/services/projector/app"
	"github.com/louisbranch/projectiond/internal/services/projector/daemon"
	"github.com/louisbranch/projectiond/internal/services/projector/highwater"
	"github.com/louisbranch/projectiond/internal/services/projector/rebuild"
	"github.com/louisbranch/projectiond/internal/services/projector/storage"
)

const defaultLetterLimit = 50

// Config holds maintenance command configuration.
type Config struct {
	DBPath                  string        `env:"PROJECTIOND_DB_PATH" envDefault:"data/projectiond.db"`
	StreamIdentity          string        `env:"PROJECTIOND_STREAM_IDENTITY" envDefault:"string"`
	Timeout                 time.Duration `env:"PROJECTIOND_MAINTENANCE_TIMEOUT" envDefault:"10m"`
	SkipUnknownEvents       bool          `env:"PROJECTIOND_SKIP_UNKNOWN_EVENTS" envDefault:"true"`
	SkipSerializationErrors bool          `env:"PROJECTIOND_SKIP_SERIALIZATION_ERRORS" envDefault:"false"`
	SkipApplyErrors         bool          `env:"PROJECTIOND_SKIP_APPLY_ERRORS" envDefault:"false"`
	ShardConfig             string        `env:"PROJECTIOND_SHARD_CONFIG"`
	Rebuild                 string
	Progress                bool
	DeadLetters             string
	Limit                   int
	JSONOutput              bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	cfg := Config{Limit: defaultLetterLimit}
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to the projector sqlite database (default: PROJECTIOND_DB_PATH or data/projectiond.db)")
	fs.StringVar(&cfg.StreamIdentity, "stream-identity", cfg.StreamIdentity, "stream id kind: string or guid")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout, also bounding a rebuild")
	fs.BoolVar(&cfg.SkipUnknownEvents, "skip-unknown-events", cfg.SkipUnknownEvents, "skip events with no registered payload type during -rebuild")
	fs.BoolVar(&cfg.SkipSerializationErrors, "skip-serialization-errors", cfg.SkipSerializationErrors, "dead-letter events whose payload cannot be decoded during -rebuild")
	fs.BoolVar(&cfg.SkipApplyErrors, "skip-apply-errors", cfg.SkipApplyErrors, "dead-letter events whose handler fails during -rebuild")
	fs.StringVar(&cfg.ShardConfig, "shard-config", cfg.ShardConfig, "YAML file with per-shard overrides")
	fs.StringVar(&cfg.Rebuild, "rebuild", "", "projection name to rebuild from the event log")
	fs.BoolVar(&cfg.Progress, "progress", false, "list shard checkpoints")
	fs.StringVar(&cfg.DeadLetters, "dead-letters", "", "shard whose dead letters to list")
	fs.IntVar(&cfg.Limit, "limit", cfg.Limit, "max dead letters to print")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	modes := 0
	if strings.TrimSpace(cfg.Rebuild) != "" {
		modes++
	}
	if cfg.Progress {
		modes++
	}
	if strings.TrimSpace(cfg.DeadLetters) != "" {
		modes++
	}
	switch {
	case modes == 0:
		return errors.New("one of -rebuild, -progress or -dead-letters is required")
	case modes > 1:
		return errors.New("-rebuild, -progress and -dead-letters are mutually exclusive")
	}
	if cfg.Limit <= 0 {
		return errors.New("-limit must be > 0")
	}
	if cfg.Timeout < 0 {
		return errors.New("-timeout must be >= 0")
	}
	return nil
}

type maintenanceStore interface {
	rebuild.Store
	storage.HighWaterStore
	storage.DeadLetterStore
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	store, err := projectorapp.OpenStore(cfg.DBPath, cfg.StreamIdentity)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close projector store: %v\n", closeErr)
		}
	}()
	return runWithStore(ctx, cfg, store, out, errOut)
}

func runWithStore(ctx context.Context, cfg Config, store maintenanceStore, out io.Writer, errOut io.Writer) error {
	switch {
	case cfg.Progress:
		return runProgress(ctx, store, cfg.JSONOutput, out)
	case strings.TrimSpace(cfg.DeadLetters) != "":
		return runDeadLetters(ctx, store, cfg.DeadLetters, cfg.Limit, cfg.JSONOutput, out)
	default:
		return runRebuild(ctx, store, cfg, out, errOut)
	}
}

type rebuildReport struct {
	Projection string         `json:"projection"`
	Shard      string         `json:"shard"`
	HighWater  uint64         `json:"high_water"`
	Result     rebuild.Result `json:"result"`
	Elapsed    string         `json:"elapsed"`
}

// errorHandling resolves the rebuild policy of projection from the
// environment defaults and the shard override file.
func (cfg Config) errorHandling(projection string) (rebuild.ErrorHandling, error) {
	overrides, err := daemon.LoadOverrides(cfg.ShardConfig)
	if err != nil {
		return rebuild.ErrorHandling{}, err
	}
	base := daemon.ErrorHandling{
		SkipUnknownEvents:       cfg.SkipUnknownEvents,
		SkipSerializationErrors: cfg.SkipSerializationErrors,
		SkipApplyErrors:         cfg.SkipApplyErrors,
	}
	return base.WithOverride(overrides.For(projection).ErrorHandling).Rebuild(), nil
}

func runRebuild(ctx context.Context, store maintenanceStore, cfg Config, out io.Writer, errOut io.Writer) error {
	agg, err := findProjection(cfg.Rebuild)
	if err != nil {
		return err
	}
	handling, err := cfg.errorHandling(agg.Name())
	if err != nil {
		return err
	}
	registry, err := projectorapp.NewRegistry()
	if err != nil {
		return err
	}
	logf := func(format string, args ...any) {
		fmt.Fprintf(errOut, format+"\n", args...)
	}
	detector, err := highwater.New(highwater.Config{Store: store, Logf: logf})
	if err != nil {
		return err
	}
	mark, err := detector.Refresh(ctx)
	if err != nil {
		return fmt.Errorf("read high water mark: %w", err)
	}
	coordinator, err := rebuild.New(rebuild.Config{
		Store:         store,
		Registry:      registry,
		ErrorHandling: handling,
		Logf:          logf,
	})
	if err != nil {
		return err
	}

	started := time.Now()
	shard := daemon.ShardName(agg.Name())
	result, err := coordinator.Rebuild(ctx, agg, rebuild.Request{Shard: shard, HighWater: mark, Timeout: cfg.Timeout})
	if err != nil {
		return fmt.Errorf("rebuild %s: %w", agg.Name(), err)
	}
	report := rebuildReport{
		Projection: agg.Name(),
		Shard:      shard,
		HighWater:  mark,
		Result:     result,
		Elapsed:    time.Since(started).Round(time.Millisecond).String(),
	}
	if cfg.JSONOutput {
		return writeJSON(out, report)
	}
	fmt.Fprintf(out, "Rebuilt %s: status=%s ceiling=%d aggregates=%d resumed=%t elapsed=%s\n",
		report.Projection, result.Status, result.Ceiling, result.Aggregates, result.Resumed, report.Elapsed)
	return nil
}

// findProjection matches a bundled projection by name or alias, with or
// without the shard suffix.
func findProjection(name string) (aggregation.Aggregator, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ":All")
	projections, err := projectorapp.Projections()
	if err != nil {
		return nil, err
	}
	var known []string
	for _, agg := range projections {
		if strings.EqualFold(agg.Name(), name) || strings.EqualFold(agg.Alias(), name) {
			return agg, nil
		}
		known = append(known, agg.Name())
	}
	return nil, fmt.Errorf("unknown projection %q (known: %s)", name, strings.Join(known, ", "))
}

type progressRow struct {
	Name             string       `json:"name"`
	LastSeq          uint64       `json:"last_seq"`
	Mode             storage.Mode `json:"mode"`
	RebuildThreshold uint64       `json:"rebuild_threshold,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func runProgress(ctx context.Context, store storage.ProgressStore, jsonOutput bool, out io.Writer) error {
	list, err := store.ListProgress(ctx)
	if err != nil {
		return fmt.Errorf("list progress: %w", err)
	}
	rows := make([]progressRow, 0, len(list))
	for _, p := range list {
		rows = append(rows, progressRow{
			Name:             p.Name,
			LastSeq:          p.LastSeq,
			Mode:             p.Mode,
			RebuildThreshold: p.RebuildThreshold,
			UpdatedAt:        p.UpdatedAt.UTC(),
		})
	}
	if jsonOutput {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(out, "No progress recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SHARD\tLAST SEQ\tMODE\tTHRESHOLD\tUPDATED")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%s\n", row.Name, row.LastSeq, row.Mode, row.RebuildThreshold, row.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

type deadLetterRow struct {
	ID         int64     `json:"id"`
	Seq        uint64    `json:"seq"`
	StreamID   string    `json:"stream_id"`
	TenantID   string    `json:"tenant_id"`
	Type       string    `json:"type"`
	Error      string    `json:"error"`
	RecordedAt time.Time `json:"recorded_at"`
}

func runDeadLetters(ctx context.Context, store storage.DeadLetterStore, shard string, limit int, jsonOutput bool, out io.Writer) error {
	shard = strings.TrimSpace(shard)
	if !strings.Contains(shard, ":") {
		shard = daemon.ShardName(shard)
	}
	letters, err := store.ListDeadLetters(ctx, shard, limit)
	if err != nil {
		return fmt.Errorf("list dead letters: %w", err)
	}
	rows := make([]deadLetterRow, 0, len(letters))
	for _, l := range letters {
		rows = append(rows, deadLetterRow{
			ID:         l.ID,
			Seq:        l.Seq,
			StreamID:   l.StreamID,
			TenantID:   l.TenantID,
			Type:       string(l.Type),
			Error:      l.Error,
			RecordedAt: l.RecordedAt.UTC(),
		})
	}
	if jsonOutput {
		return writeJSON(out, rows)
	}
	if len(rows) == 0 {
		fmt.Fprintf(out, "No dead letters for %s\n", shard)
		return nil
	}
	for _, row := range rows {
		fmt.Fprintf(out, "#%d seq=%d stream=%s type=%s: %s\n", row.ID, row.Seq, row.StreamID, row.Type, row.Error)
	}
	return nil
}

func writeJSON(out io.Writer, value any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(value); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
