package config

import "github.com/justapithecus/multiqueue/mqueue"

// ToMultiQueueConfig projects the loaded file config onto a mqueue.Config,
// starting from mqueue.DefaultConfig() so fields the file omits keep the
// package defaults rather than zero values (a zero HighWatermark would
// otherwise silently disable buffering's high threshold).
func (c *Config) ToMultiQueueConfig() mqueue.Config {
	cfg := mqueue.DefaultConfig()

	if c.MaxSizeBytes != 0 {
		cfg.MaxSizeBytes = c.MaxSizeBytes
	}
	if c.MaxSizeItems != 0 {
		cfg.MaxSizeItems = c.MaxSizeItems
	}
	if c.MaxSizeTimeNs != 0 {
		cfg.MaxSizeTimeNs = c.MaxSizeTimeNs
	}

	cfg.UseBuffering = c.Buffering.Enabled
	if c.Buffering.LowWatermark != 0 {
		cfg.LowWatermark = c.Buffering.LowWatermark
	}
	if c.Buffering.HighWatermark != 0 {
		cfg.HighWatermark = c.Buffering.HighWatermark
	}

	cfg.SyncByRunningTime = c.Timing.SyncByRunningTime
	cfg.UseInterleave = c.Timing.UseInterleave
	if c.Timing.MinInterleaveTime.Duration != 0 {
		cfg.MinInterleaveTimeNs = c.Timing.MinInterleaveTime.Nanoseconds()
	}
	if c.Timing.UnlinkedCacheTime.Duration != 0 {
		cfg.UnlinkedCacheTimeNs = c.Timing.UnlinkedCacheTime.Nanoseconds()
	}

	return cfg
}
