// Package config handles YAML config file loading for the multiqueue-bench
// CLI and any other host that wants to seed a MultiQueue from a file
// instead of flags.
package config

import (
	"fmt"
	"time"
)

// Config represents a multiqueue.yaml configuration file. All values are
// optional and act as defaults for CLI flags; CLI flags always override
// config values, the same precedence the teacher's quarry.yaml gives CLI
// flags over file config.
type Config struct {
	MaxSizeBytes  int64 `yaml:"max_size_bytes"`
	MaxSizeItems  int64 `yaml:"max_size_items"`
	MaxSizeTimeNs int64 `yaml:"max_size_time_ns"`

	Buffering BufferingConfig `yaml:"buffering"`
	Timing    TimingConfig    `yaml:"timing"`
	Adapter   AdapterConfig   `yaml:"adapter"`

	Queues []QueueConfig `yaml:"queues"`
}

// BufferingConfig holds the use_buffering/watermark defaults.
type BufferingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	LowWatermark  float64 `yaml:"low_watermark"`
	HighWatermark float64 `yaml:"high_watermark"`
}

// TimingConfig holds the running-time-sync and interleave defaults.
type TimingConfig struct {
	SyncByRunningTime   bool     `yaml:"sync_by_running_time"`
	UseInterleave       bool     `yaml:"use_interleave"`
	MinInterleaveTime   Duration `yaml:"min_interleave_time"`
	UnlinkedCacheTime   Duration `yaml:"unlinked_cache_time"`
}

// QueueConfig describes one SingleQueue to request at startup.
type QueueConfig struct {
	GroupID       uint64 `yaml:"group_id"`
	ProducerGroup uint64 `yaml:"producer_group"`
	Sparse        bool   `yaml:"sparse"`
}

// AdapterConfig holds the signal-adapter defaults (spec.md §6 overrun,
// underrun and buffering notifications).
type AdapterConfig struct {
	Type    string            `yaml:"type"` // "webhook" or "redis"
	URL     string            `yaml:"url"`
	Channel string            `yaml:"channel,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout Duration          `yaml:"timeout,omitempty"`
	Retries *int              `yaml:"retries,omitempty"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "250ms".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}
