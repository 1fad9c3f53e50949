package telemetry

import (
	"fmt"
	"net"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/sirupsen/logrus"
)

// Broker is an embedded MQTT broker so observers can subscribe to the
// forwarder's topics without external infrastructure.
type Broker struct {
	server *mqtt.Server
	addr   string
	log    logrus.FieldLogger
}

// StartBroker listens on addr and serves MQTT in the background.
func StartBroker(addr string, log logrus.FieldLogger) (*Broker, error) {
	server := mqtt.New(&mqtt.Options{
		InlineClient: true,
	})
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add allow hook: %w", err)
	}

	listener := listeners.NewTCP(listeners.Config{
		ID:      "commlink-mqtt",
		Address: addr,
	})
	if err := server.AddListener(listener); err != nil {
		return nil, fmt.Errorf("failed to add listener: %w", err)
	}

	go func() {
		if err := server.Serve(); err != nil {
			log.WithError(err).Error("mqtt broker stopped")
		}
	}()

	return &Broker{server: server, addr: addr, log: log}, nil
}

// URL returns the broker address in the form paho expects. A wildcard
// listen host is dialed on loopback.
func (b *Broker) URL() string {
	host, port, err := net.SplitHostPort(b.addr)
	if err != nil {
		return "tcp://" + b.addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "tcp://" + net.JoinHostPort(host, port)
}

// Close stops the broker.
func (b *Broker) Close() error {
	return b.server.Close()
}
