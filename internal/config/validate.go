package config

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Validate checks the configuration for consistency.
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if err := validateLogging(&config.Logging); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := validateLink(&config.Link); err != nil {
		return fmt.Errorf("link: %w", err)
	}
	if err := validateTelemetry(&config.Telemetry); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := validateMQTT(&config.MQTT); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	if err := validateAuth(&config.Auth); err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	return nil
}

func validateServer(config *ServerConfig) error {
	if config.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if config.ReadTimeout < 0 || config.WriteTimeout < 0 || config.IdleTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	return nil
}

func validateLogging(config *LoggingConfig) error {
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		return fmt.Errorf("invalid level %q", config.Level)
	}
	switch config.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format must be text or json, got %q", config.Format)
	}
	return nil
}

func validateLink(config *LinkConfig) error {
	minRead := 10 * time.Millisecond
	maxRead := 5 * time.Second
	if config.ReadTimeout < minRead || config.ReadTimeout > maxRead {
		return fmt.Errorf("read timeout %v is outside range [%v, %v]", config.ReadTimeout, minRead, maxRead)
	}
	if config.TxBatch < 1 {
		return fmt.Errorf("tx batch must be positive, got %d", config.TxBatch)
	}
	if config.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be positive, got %d", config.QueueCapacity)
	}
	if config.ReadBufferSize < 64 {
		return fmt.Errorf("read buffer size must be >= 64, got %d", config.ReadBufferSize)
	}
	if config.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive, got %v", config.DialTimeout)
	}
	if config.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive, got %v", config.WriteTimeout)
	}
	return nil
}

func validateTelemetry(config *TelemetryConfig) error {
	if config.LogDir == "" {
		return fmt.Errorf("log dir cannot be empty")
	}
	if config.ClientBuffer < 1 {
		return fmt.Errorf("client buffer must be positive, got %d", config.ClientBuffer)
	}
	if config.ReplayBuffer < 0 {
		return fmt.Errorf("replay buffer cannot be negative, got %d", config.ReplayBuffer)
	}
	if config.ReplayBuffer > 0 && config.ReplayConnections < 1 {
		return fmt.Errorf("replay connections must be positive when replay is enabled, got %d", config.ReplayConnections)
	}
	if config.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive, got %v", config.HeartbeatInterval)
	}
	if config.LogMaxSizeMB < 0 || config.LogMaxBackups < 0 {
		return fmt.Errorf("log rotation limits cannot be negative")
	}
	return nil
}

func validateMQTT(config *MQTTConfig) error {
	if config.QoS < 0 || config.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", config.QoS)
	}
	if (config.Broker != "" || config.EmbeddedAddr != "") && config.TopicPrefix == "" {
		return fmt.Errorf("topic prefix cannot be empty when a broker is set")
	}
	return nil
}

func validateAuth(config *AuthConfig) error {
	if !config.Enabled {
		return nil
	}
	switch config.Algorithm {
	case "HS256":
		if config.Secret == "" {
			return fmt.Errorf("HS256 requires a secret")
		}
	case "RS256":
		if config.PublicKeyPEM == "" {
			return fmt.Errorf("RS256 requires a public key")
		}
	default:
		return fmt.Errorf("unsupported algorithm %q", config.Algorithm)
	}
	return nil
}
