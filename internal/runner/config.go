package runner

import (
	"time"

	"github.com/cockroachdb/errors"
)

const (
	DefaultHeartbeat          = 10 * time.Second
	DefaultMaximumConcurrency = 25
	DefaultRetryTimeout       = 60 * time.Second
	DefaultEventBufferSize    = 1000
)

// Config defines how often the runner polls and how much work it takes on.
type Config struct {
	// Interval between loop iterations
	Heartbeat time.Duration `toml:"heartbeat"`

	// Upper bound on jobs executing at once
	MaximumConcurrency int `toml:"maximum_concurrency"`

	// Delay before a retry becomes eligible for dequeue
	RetryTimeout time.Duration `toml:"retry_timeout"`

	// Remove records of succeeded jobs instead of keeping them as history
	DeleteRecordsOnSuccess bool `toml:"delete_records_on_success"`

	// Recovery file for executing jobs; empty disables persistence
	PersistencePath string `toml:"persistence_path"`

	// Capacity of the event channel
	EventBufferSize int `toml:"event_buffer_size"`
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Heartbeat:          DefaultHeartbeat,
		MaximumConcurrency: DefaultMaximumConcurrency,
		RetryTimeout:       DefaultRetryTimeout,
		EventBufferSize:    DefaultEventBufferSize,
	}
}

// Validate rejects negative settings. Zero values are allowed and mean the
// default.
func (c Config) Validate() error {
	if c.Heartbeat < 0 {
		return errors.Newf("heartbeat must not be negative, got %v", c.Heartbeat)
	}
	if c.MaximumConcurrency < 0 {
		return errors.Newf("maximum_concurrency must not be negative, got %d", c.MaximumConcurrency)
	}
	if c.RetryTimeout < 0 {
		return errors.Newf("retry_timeout must not be negative, got %v", c.RetryTimeout)
	}
	if c.EventBufferSize < 0 {
		return errors.Newf("event_buffer_size must not be negative, got %d", c.EventBufferSize)
	}
	return nil
}

// WithDefaults fills zero values with defaults.
func (c Config) WithDefaults() Config {
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.MaximumConcurrency == 0 {
		c.MaximumConcurrency = DefaultMaximumConcurrency
	}
	if c.RetryTimeout == 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	if c.EventBufferSize == 0 {
		c.EventBufferSize = DefaultEventBufferSize
	}
	return c
}
