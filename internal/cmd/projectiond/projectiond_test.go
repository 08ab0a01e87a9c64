package projectiond

import (
	"flag"
	"testing"
	"time"
)

func TestParseConfig_ParsesDefaultsAndFlags(t *testing.T) {
	fs := flag.NewFlagSet("projectiond", flag.ContinueOnError)
	t.Setenv("PROJECTIOND_PORT", "9099")
	t.Setenv("PROJECTIOND_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")

	cfg, err := ParseConfig(fs, []string{"-batch-size", "50", "-skip-apply-errors", "-stream-identity", "guid"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9099 {
		t.Fatalf("port = %d, want 9099", cfg.Port)
	}
	if cfg.BatchSize != 50 {
		t.Fatalf("batch size = %d, want 50", cfg.BatchSize)
	}
	if !cfg.SkipApplyErrors {
		t.Fatal("expected skip apply errors from flag")
	}
	if cfg.StreamIdentity != "guid" {
		t.Fatalf("stream identity = %q, want guid", cfg.StreamIdentity)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "kafka-2:9092" {
		t.Fatalf("kafka brokers = %v", cfg.KafkaBrokers)
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("projectiond", flag.ContinueOnError)

	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "data/projectiond.db" {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.HopperSize != 1000 || cfg.PauseTime != 5*time.Second {
		t.Fatalf("hopper/pause = %d/%s", cfg.HopperSize, cfg.PauseTime)
	}
	if !cfg.SkipUnknownEvents || cfg.SkipSerializationErrors {
		t.Fatalf("error handling defaults = %v/%v", cfg.SkipUnknownEvents, cfg.SkipSerializationErrors)
	}
	if cfg.KafkaTopic != "projectiond.shards" || cfg.RabbitMQExchange != "projectiond" {
		t.Fatalf("sink defaults = %q/%q", cfg.KafkaTopic, cfg.RabbitMQExchange)
	}
}

func TestParseConfig_RejectsUnknownFlag(t *testing.T) {
	fs := flag.NewFlagSet("projectiond", flag.ContinueOnError)
	if _, err := ParseConfig(fs, []string{"-nope"}); err == nil {
		t.Fatal("expected error for unknown flag")
	}
}
