package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Load builds the configuration from the baseline, an optional YAML file and
// COMMLINK_* environment overrides, in that order, then validates it.
func Load(path string) (*Config, error) {
	config := Baseline()

	if path == "" {
		path = os.Getenv("COMMLINK_CONFIG")
	}
	if path != "" {
		if err := loadFromFile(path, config); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile decodes a YAML file over config. Keys absent from the file keep
// their current values.
func loadFromFile(filename string, config *Config) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return yaml.UnmarshalStrict(data, config)
}

// applyEnvOverrides applies environment variable overrides. Malformed numeric
// or duration values are ignored.
func applyEnvOverrides(config *Config) {
	config.Server.Addr = GetEnvVar("COMMLINK_ADDR", config.Server.Addr)

	config.Logging.Level = GetEnvVar("COMMLINK_LOG_LEVEL", config.Logging.Level)
	config.Logging.Format = GetEnvVar("COMMLINK_LOG_FORMAT", config.Logging.Format)
	config.Logging.File = GetEnvVar("COMMLINK_LOG_FILE", config.Logging.File)

	config.Telemetry.LogDir = GetEnvVar("COMMLINK_LOG_DIR", config.Telemetry.LogDir)

	config.Link.ReadTimeout = GetEnvDuration("COMMLINK_READ_TIMEOUT", config.Link.ReadTimeout)
	config.Link.QueueCapacity = GetEnvInt("COMMLINK_QUEUE_CAPACITY", config.Link.QueueCapacity)

	config.MQTT.Broker = GetEnvVar("COMMLINK_MQTT_BROKER", config.MQTT.Broker)
	config.MQTT.EmbeddedAddr = GetEnvVar("COMMLINK_MQTT_EMBEDDED", config.MQTT.EmbeddedAddr)

	if val := os.Getenv("COMMLINK_AUTH_SECRET"); val != "" {
		config.Auth.Secret = val
		config.Auth.Enabled = true
	}

	config.Audit.File = GetEnvVar("COMMLINK_AUDIT_FILE", config.Audit.File)
}

// GetEnvVar returns the value of an environment variable with a default.
func GetEnvVar(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvDuration returns the value of an environment variable as a duration with a default.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEnvInt returns the value of an environment variable as an int with a default.
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}
