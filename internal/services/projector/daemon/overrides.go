package daemon

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// ShardOverride tunes one projection's shard.
type ShardOverride struct {
	BatchSize     int                    `yaml:"batch_size"`
	HopperSize    int                    `yaml:"hopper_size"`
	Disabled      bool                   `yaml:"disabled"`
	ErrorHandling *ErrorHandlingOverride `yaml:"error_handling"`
}

// ErrorHandlingOverride replaces individual error handling flags.
type ErrorHandlingOverride struct {
	SkipUnknownEvents       *bool `yaml:"skip_unknown_events"`
	SkipSerializationErrors *bool `yaml:"skip_serialization_errors"`
	SkipApplyErrors         *bool `yaml:"skip_apply_errors"`
}

// Overrides maps projection names to shard overrides.
type Overrides map[string]ShardOverride

type overridesFile struct {
	Shards Overrides `yaml:"shards"`
}

// ParseOverrides decodes a YAML document of the form:
//
//	shards:
//	  Trip:
//	    batch_size: 100
//	    error_handling:
//	      skip_apply_errors: true
func ParseOverrides(data []byte) (Overrides, error) {
	var file overridesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse shard overrides: %w", err)
	}
	for name, override := range file.Shards {
		if strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("parse shard overrides: empty shard name")
		}
		if override.BatchSize < 0 || override.HopperSize < 0 {
			return nil, fmt.Errorf("parse shard overrides: %s: sizes must not be negative", name)
		}
	}
	if file.Shards == nil {
		file.Shards = Overrides{}
	}
	return file.Shards, nil
}

// LoadOverrides reads overrides from path; an empty path yields none.
func LoadOverrides(path string) (Overrides, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read shard overrides: %w", err)
	}
	return ParseOverrides(data)
}

// For returns the override of a projection, if any.
func (o Overrides) For(projection string) ShardOverride {
	if o == nil {
		return ShardOverride{}
	}
	return o[projection]
}
