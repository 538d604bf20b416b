package config

import "time"

// Config holds client configuration values.
type Config struct {
	// APIBaseURL is the base URL of the snapshot API, e.g. http://localhost:8080.
	APIBaseURL string `mapstructure:"api_base_url" yaml:"api_base_url"`
	// WSURL is the duplex push channel endpoint, e.g. ws://localhost:8080/ws.
	WSURL string `mapstructure:"ws_url" yaml:"ws_url"`
	// CachePath is the sqlite file backing the local conversation cache.
	CachePath string `mapstructure:"cache_path" yaml:"cache_path"`
	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`

	// Reconnect behavior for the push channel.
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base" yaml:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`

	// TypingQuietWindow is how long a remote "typing" signal stays alive
	// without a follow-up before it is presumed stale.
	TypingQuietWindow time.Duration `mapstructure:"typing_quiet_window" yaml:"typing_quiet_window"`

	// RequestTimeout bounds individual snapshot API calls.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		APIBaseURL:        "http://localhost:8080",
		WSURL:             "ws://localhost:8080/ws",
		CachePath:         "chatsync.db",
		LogLevel:          "info",
		ReconnectAttempts: 6,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		TypingQuietWindow: 3 * time.Second,
		RequestTimeout:    15 * time.Second,
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.APIBaseURL != "" {
		c.APIBaseURL = other.APIBaseURL
	}
	if other.WSURL != "" {
		c.WSURL = other.WSURL
	}
	if other.CachePath != "" {
		c.CachePath = other.CachePath
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.ReconnectAttempts != 0 {
		c.ReconnectAttempts = other.ReconnectAttempts
	}
	if other.BackoffBase != 0 {
		c.BackoffBase = other.BackoffBase
	}
	if other.BackoffMax != 0 {
		c.BackoffMax = other.BackoffMax
	}
	if other.TypingQuietWindow != 0 {
		c.TypingQuietWindow = other.TypingQuietWindow
	}
	if other.RequestTimeout != 0 {
		c.RequestTimeout = other.RequestTimeout
	}
}
