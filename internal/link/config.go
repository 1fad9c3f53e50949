package link

import (
	"time"

	"github.com/radio-control/commlink/internal/config"
	"github.com/radio-control/commlink/internal/telemetry"
	"github.com/radio-control/commlink/internal/transport"
)

// DefaultConnID is used when a caller does not name a connection.
const DefaultConnID = "main"

// Config tunes workers started by a Registry.
type Config struct {
	// ReadTimeout bounds each read attempt. It is both the loop cadence and
	// the worst-case stop latency.
	ReadTimeout    time.Duration
	TxBatch        int
	QueueCapacity  int
	ReadBufferSize int
	Transport      transport.Options
	Sink           telemetry.SinkConfig
}

// DefaultConfig returns the standard worker settings.
func DefaultConfig() Config {
	return Config{
		ReadTimeout:    100 * time.Millisecond,
		TxBatch:        64,
		QueueCapacity:  1024,
		ReadBufferSize: 4096,
		Transport:      transport.DefaultOptions(),
		Sink:           telemetry.SinkConfig{Dir: "logs"},
	}
}

// ConfigFrom builds worker settings from the service configuration.
func ConfigFrom(link config.LinkConfig, tel config.TelemetryConfig) Config {
	return Config{
		ReadTimeout:    link.ReadTimeout,
		TxBatch:        link.TxBatch,
		QueueCapacity:  link.QueueCapacity,
		ReadBufferSize: link.ReadBufferSize,
		Transport: transport.Options{
			DialTimeout:  link.DialTimeout,
			WriteTimeout: link.WriteTimeout,
		},
		Sink: telemetry.SinkConfig{
			Dir:        tel.LogDir,
			MaxSizeMB:  tel.LogMaxSizeMB,
			MaxBackups: tel.LogMaxBackups,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.TxBatch < 1 {
		c.TxBatch = d.TxBatch
	}
	if c.QueueCapacity < 1 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.ReadBufferSize < 1 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.Sink.Dir == "" {
		c.Sink.Dir = d.Sink.Dir
	}
	return c
}
