package session

import "log/slog"

const defaultQueueSize = 256

// Config holds store initialization parameters.
type Config struct {
	// Path is the SQLite database file. Empty means in-memory only.
	Path string `json:"path,omitempty"`

	// QueueSize bounds the durable write queue. Writes block, not drop,
	// when the queue is full.
	QueueSize int `json:"queue_size,omitempty"`

	// Logger receives durable-write failures. Defaults to slog.Default().
	Logger *slog.Logger `json:"-"`
}

// DefaultConfig returns the default store configuration.
func DefaultConfig() Config {
	return Config{QueueSize: defaultQueueSize}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Path != "" {
		c.Path = source.Path
	}
	if source.QueueSize > 0 {
		c.QueueSize = source.QueueSize
	}
	if source.Logger != nil {
		c.Logger = source.Logger
	}
}

func (c *Config) queueSize() int {
	if c.QueueSize > 0 {
		return c.QueueSize
	}
	return defaultQueueSize
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
