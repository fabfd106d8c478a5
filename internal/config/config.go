package config

// Config holds the pool's tunables and the engine bootstrap settings.
type Config struct {
	// CursorCacheSize bounds each session's cursor cache. Negative
	// values delegate cursor caching to the engine (hybrid mode).
	CursorCacheSize int32 `json:"cursor_cache_size" mapstructure:"cursor_cache_size"`

	// SessionMaxIdleMillis is how long a pooled session may sit idle
	// before the sweeper closes it. Zero or less disables expiry.
	SessionMaxIdleMillis int64 `json:"session_max_idle_millis" mapstructure:"session_max_idle_millis"`

	// SweepSchedule is a cron expression for the idle sweep.
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`

	Engine  EngineConfig  `json:"engine" mapstructure:"engine"`
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`
}

// EngineConfig locates the embedded engine.
type EngineConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// LoggingConfig mirrors the logger package's settings.
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the defaults used when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		CursorCacheSize:      100,
		SessionMaxIdleMillis: 300_000,
		SweepSchedule:        "@every 1m",
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
	}
}
