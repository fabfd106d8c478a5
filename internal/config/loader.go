package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
	"github.com/xeipuuv/gojsonschema"
)

// configSchema shape-checks the config file before it is decoded, so
// a typo fails loudly instead of silently falling back to a zero
// value.
const configSchema = `{
	"type": "object",
	"properties": {
		"cursor_cache_size": {"type": "integer"},
		"session_max_idle_millis": {"type": "integer", "minimum": 0},
		"sweep_schedule": {"type": "string", "minLength": 1},
		"engine": {
			"type": "object",
			"properties": {
				"path": {"type": "string"}
			}
		},
		"logging": {
			"type": "object",
			"properties": {
				"level": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
				"file": {"type": "string"},
				"console": {"type": "boolean"},
				"pretty": {"type": "boolean"}
			}
		}
	},
	"additionalProperties": false
}`

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file. A missing file yields the
// defaults.
func (l *Loader) Load() (*Config, error) {
	if l.configPath == "" {
		return DefaultConfig(), nil
	}

	raw, err := os.ReadFile(l.configPath)
	if os.IsNotExist(err) {
		return DefaultConfig(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := validateSchema(raw); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(l.configPath)
	v.SetConfigType("json")

	defaults := DefaultConfig()
	v.SetDefault("cursor_cache_size", defaults.CursorCacheSize)
	v.SetDefault("session_max_idle_millis", defaults.SessionMaxIdleMillis)
	v.SetDefault("sweep_schedule", defaults.SweepSchedule)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.console", defaults.Logging.Console)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateSchema(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		msgs := make([]string, 0, len(errs))
		for _, e := range errs {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("invalid config: %v", msgs)
	}
	return nil
}
