package scheduler

import "time"

// Config controls sweep cadence and batch sizes.
type Config struct {
	SweepInterval time.Duration
	BatchSize     int
	JobTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval: time.Hour,
		BatchSize:     100,
		JobTimeout:    5 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}
