package stats

import "time"

// Config defines configuration for the stats collector
type Config struct {
	// Report accumulated stats this often; zero disables periodic reports
	FlushInterval time.Duration `toml:"flush_interval"`
}

// DefaultConfig returns default stats collector configuration
func DefaultConfig() Config {
	return Config{
		FlushInterval: time.Minute,
	}
}
