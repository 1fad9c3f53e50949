// Package config holds the commlink service configuration: baseline values,
// YAML file loading and environment overrides.
package config

import "time"

// Config represents the complete configuration for the commlink service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
	Link      LinkConfig      `yaml:"link"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Auth      AuthConfig      `yaml:"auth"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	IdleTimeout  time.Duration `yaml:"idleTimeout"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // empty means stderr
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// LinkConfig holds connection worker tuning.
type LinkConfig struct {
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	TxBatch        int           `yaml:"txBatch"`
	QueueCapacity  int           `yaml:"queueCapacity"`
	ReadBufferSize int           `yaml:"readBufferSize"`
	DialTimeout    time.Duration `yaml:"dialTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// TelemetryConfig holds per-connection log and observer settings.
type TelemetryConfig struct {
	LogDir            string        `yaml:"logDir"`
	LogMaxSizeMB      int           `yaml:"logMaxSizeMB"`
	LogMaxBackups     int           `yaml:"logMaxBackups"`
	ClientBuffer      int           `yaml:"clientBuffer"`
	ReplayBuffer      int           `yaml:"replayBuffer"`
	ReplayConnections int           `yaml:"replayConnections"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// MQTTConfig configures the optional record forwarder. An empty broker disables
// it unless EmbeddedAddr starts a local broker, which the forwarder then uses.
type MQTTConfig struct {
	Broker       string `yaml:"broker"`
	EmbeddedAddr string `yaml:"embeddedAddr"`
	TopicPrefix  string `yaml:"topicPrefix"`
	ClientID     string `yaml:"clientId"`
	QoS          int    `yaml:"qos"`
}

// AuthConfig configures bearer token verification on the HTTP API.
type AuthConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Algorithm    string `yaml:"algorithm"` // HS256 or RS256
	Secret       string `yaml:"secret"`
	PublicKeyPEM string `yaml:"publicKeyPEM"`
}

// AuditConfig configures the control action audit trail. An empty file disables it.
type AuditConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
}

// Baseline returns the default configuration.
func Baseline() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Link: LinkConfig{
			ReadTimeout:    100 * time.Millisecond,
			TxBatch:        64,
			QueueCapacity:  1024,
			ReadBufferSize: 4096,
			DialTimeout:    5 * time.Second,
			WriteTimeout:   5 * time.Second,
		},
		Telemetry: TelemetryConfig{
			LogDir:            "logs",
			LogMaxSizeMB:      100,
			LogMaxBackups:     5,
			ClientBuffer:      256,
			ReplayBuffer:      50,
			ReplayConnections: 64,
			HeartbeatInterval: 15 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "commlink",
			ClientID:    "commlink",
			QoS:         0,
		},
		Auth: AuthConfig{
			Enabled:   false,
			Algorithm: "HS256",
		},
		Audit: AuditConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
	}
}
