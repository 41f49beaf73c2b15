// Package config provides configuration loading for the bridge.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML configs can use human-readable
// values ("30s", "1m") or plain integers (milliseconds).
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var asInt int64
	if err := value.Decode(&asInt); err == nil {
		*d = Duration(time.Duration(asInt) * time.Millisecond)

		return nil
	}

	var asString string
	if err := value.Decode(&asString); err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}

	parsed, err := time.ParseDuration(asString)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", asString, err)
	}

	*d = Duration(parsed)

	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config carries every tunable of the bridge. All fields have working
// defaults; a YAML file overrides them selectively.
type Config struct {
	ReconnectInterval    Duration `yaml:"reconnect_interval"     validate:"min=1"`
	MaxReconnectAttempts int      `yaml:"max_reconnect_attempts" validate:"min=1"`
	HeartbeatInterval    Duration `yaml:"heartbeat_interval"     validate:"min=1"`
	ConnectionTimeout    Duration `yaml:"connection_timeout"     validate:"min=1"`

	BufferSize          int `yaml:"buffer_size"           validate:"min=1"`
	HistoricalDataLimit int `yaml:"historical_data_limit" validate:"min=1"`

	ProgressUpdateInterval  Duration `yaml:"progress_update_interval" validate:"min=1"`
	SlowExecutionMultiplier float64  `yaml:"slow_execution_multiplier" validate:"gt=0"`
	HighFailureRate         float64  `yaml:"high_failure_rate"         validate:"gt=0,lte=1"`

	HealthCheckEnabled  bool     `yaml:"health_check_enabled"`
	HealthCheckInterval Duration `yaml:"health_check_interval" validate:"min=1"`

	AuthRefreshEnabled  bool     `yaml:"auth_refresh_enabled"`
	AuthRefreshInterval Duration `yaml:"auth_refresh_interval" validate:"min=1"`
}

func Default() Config {
	return Config{
		ReconnectInterval:       Duration(time.Second),
		MaxReconnectAttempts:    10,
		HeartbeatInterval:       Duration(30 * time.Second),
		ConnectionTimeout:       Duration(10 * time.Second),
		BufferSize:              100,
		HistoricalDataLimit:     1000,
		ProgressUpdateInterval:  Duration(time.Second),
		SlowExecutionMultiplier: 2.0,
		HighFailureRate:         0.3,
		HealthCheckEnabled:      true,
		HealthCheckInterval:     Duration(60 * time.Second),
		AuthRefreshEnabled:      true,
		AuthRefreshInterval:     Duration(60 * time.Second),
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	return nil
}

// Load reads a YAML file over the defaults. A missing path returns the
// defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}
