package queue

import (
	"errors"
	"fmt"
	"time"
)

const (
	// NoWait makes a bounded Put fail at once when the queue is full.
	NoWait time.Duration = 0
	// WaitForever makes Put and Pop wait until their context ends.
	WaitForever time.Duration = -1
)

// Config defines the queue and the runtime that consumes it.
type Config struct {
	// MaxSize bounds the number of pending messages. Claimed and done
	// messages do not count.
	// Default: 0 (unbounded)
	MaxSize int

	// FastMode trades durability for speed: synchronous=NORMAL, an in-memory
	// temp store and a larger page cache. A power loss may drop the last
	// commits.
	// Default: false
	FastMode bool

	// LeaseDuration is how long a claim stays exclusive when the caller does
	// not pass a lease.
	// Default: 30s
	LeaseDuration time.Duration

	// PollInterval is the first wait of a blocked Pop, doubling up to
	// MaxPollInterval.
	// Default: 25ms
	PollInterval time.Duration

	// MaxPollInterval caps the wait between claim attempts of a blocked Pop.
	// Default: 1s
	MaxPollInterval time.Duration

	// BusyTimeout is how long a statement waits on another writer's lock.
	// Default: 5s
	BusyTimeout time.Duration

	// CacheSizeKiB is the page cache used in fast mode.
	// Default: 64000
	CacheSizeKiB int

	// Retention is how long done messages are kept before Vacuum prunes them.
	// Default: 0 (kept forever)
	Retention time.Duration

	// MaxConcurrency is the maximum number of concurrent workers.
	// Default: 10
	MaxConcurrency int

	// MaxQueue is the number of claimed messages buffered ahead of workers.
	// Default: 100
	MaxQueue int

	// BatchSize is the number of claims made per fetch round.
	// Default: 10
	BatchSize int

	// ExecutionTimeout is the maximum time a handler can run before being
	// cancelled. A handler is also cancelled when its lease runs out.
	// Default: 5m
	ExecutionTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	// Default: 30s
	ShutdownTimeout time.Duration

	// ReapInterval is how often the runtime returns lapsed claims to pending.
	// Default: 5s
	ReapInterval time.Duration

	// StatsInterval is how often the runtime refreshes the state gauges.
	// Default: 15s
	StatsInterval time.Duration

	// ReleaseOnFailure returns a message to pending as soon as its handler
	// fails. Otherwise it is retried once its lease runs out.
	// Default: false
	ReleaseOnFailure bool
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() Config {
	return Config{
		MaxSize:          0,
		FastMode:         false,
		LeaseDuration:    30 * time.Second,
		PollInterval:     25 * time.Millisecond,
		MaxPollInterval:  time.Second,
		BusyTimeout:      5 * time.Second,
		CacheSizeKiB:     64000,
		Retention:        0,
		MaxConcurrency:   10,
		MaxQueue:         100,
		BatchSize:        10,
		ExecutionTimeout: 5 * time.Minute,
		ShutdownTimeout:  30 * time.Second,
		ReapInterval:     5 * time.Second,
		StatsInterval:    15 * time.Second,
	}
}

// Validate checks the configuration for errors and applies defaults.
// Returns an error if the configuration is invalid.
func (c *Config) Validate() error {
	if c.MaxSize < 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidMaxSize, c.MaxSize)
	}

	if c.Retention < 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidRetention, c.Retention)
	}

	if err := c.checkNotNegative(); err != nil {
		return err
	}

	// Apply defaults for zero values
	defaults := DefaultConfig()

	if c.LeaseDuration == 0 {
		c.LeaseDuration = defaults.LeaseDuration
	}

	if c.PollInterval == 0 {
		c.PollInterval = defaults.PollInterval
	}

	if c.MaxPollInterval == 0 {
		c.MaxPollInterval = max(defaults.MaxPollInterval, c.PollInterval)
	}

	if c.BusyTimeout == 0 {
		c.BusyTimeout = defaults.BusyTimeout
	}

	if c.CacheSizeKiB == 0 {
		c.CacheSizeKiB = defaults.CacheSizeKiB
	}

	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = defaults.MaxConcurrency
	}

	if c.MaxQueue == 0 {
		c.MaxQueue = defaults.MaxQueue
	}

	if c.BatchSize == 0 {
		c.BatchSize = min(defaults.BatchSize, c.MaxQueue)
	}

	if c.ExecutionTimeout == 0 {
		c.ExecutionTimeout = defaults.ExecutionTimeout
	}

	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = defaults.ShutdownTimeout
	}

	if c.ReapInterval == 0 {
		c.ReapInterval = defaults.ReapInterval
	}

	if c.StatsInterval == 0 {
		c.StatsInterval = defaults.StatsInterval
	}

	// Validation checks
	if c.BatchSize > c.MaxQueue {
		return fmt.Errorf("%w: batch size (%d), max queue (%d)", ErrInvalidBatchSize, c.BatchSize, c.MaxQueue)
	}

	if c.MaxPollInterval < c.PollInterval {
		return fmt.Errorf("%w: poll interval (%v), max poll interval (%v)", ErrInvalidPollInterval, c.PollInterval, c.MaxPollInterval)
	}

	return nil
}

func (c *Config) checkNotNegative() error {
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"lease duration", c.LeaseDuration},
		{"poll interval", c.PollInterval},
		{"max poll interval", c.MaxPollInterval},
		{"busy timeout", c.BusyTimeout},
		{"execution timeout", c.ExecutionTimeout},
		{"shutdown timeout", c.ShutdownTimeout},
		{"reap interval", c.ReapInterval},
		{"stats interval", c.StatsInterval},
	}
	for _, d := range durations {
		if d.value < 0 {
			return fmt.Errorf("%w: %s is %v", ErrNegativeSetting, d.name, d.value)
		}
	}

	counts := []struct {
		name  string
		value int
	}{
		{"cache size", c.CacheSizeKiB},
		{"max concurrency", c.MaxConcurrency},
		{"max queue", c.MaxQueue},
		{"batch size", c.BatchSize},
	}
	for _, n := range counts {
		if n.value < 0 {
			return fmt.Errorf("%w: %s is %d", ErrNegativeSetting, n.name, n.value)
		}
	}
	return nil
}

// Errors returned by Validate.
var (
	ErrInvalidMaxSize      = errors.New("max size cannot be negative")
	ErrInvalidRetention    = errors.New("retention cannot be negative")
	ErrInvalidBatchSize    = errors.New("batch size cannot exceed max queue")
	ErrInvalidPollInterval = errors.New("max poll interval cannot be less than poll interval")
	ErrNegativeSetting     = errors.New("setting cannot be negative")
)
