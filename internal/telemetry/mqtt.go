package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTConfig configures the record forwarder.
type MQTTConfig struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	QoS         byte
	QueueSize   int
}

// MQTTForwarder republishes records to an MQTT broker on
// <prefix>/<origin>/<connId>/<dir>. Publish never blocks: records are queued
// and sent from a single goroutine, and dropped when the queue is full.
type MQTTForwarder struct {
	client paho.Client
	prefix string
	qos    byte
	log    logrus.FieldLogger

	queue   chan Record
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
	sent    atomic.Uint64
}

// NewMQTTForwarder connects to the broker and starts the send loop.
func NewMQTTForwarder(cfg MQTTConfig, log logrus.FieldLogger) (*MQTTForwarder, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt broker not configured")
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1024
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.WithError(err).Warn("mqtt connection lost")
	})

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	f := &MQTTForwarder{
		client: client,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		qos:    cfg.QoS,
		log:    log,
		queue:  make(chan Record, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	f.wg.Add(1)
	go f.run()
	return f, nil
}

// topicLevel replaces the characters that would split a topic level or turn
// it into a wildcard.
var topicLevel = strings.NewReplacer("/", "_", "+", "_", "#", "_", "\x00", "_")

// Topic returns the topic a record is published on. The connection id is one
// topic level whatever characters it holds.
func (f *MQTTForwarder) Topic(rec Record) string {
	return fmt.Sprintf("%s/%s/%s/%s", f.prefix, rec.Origin, topicLevel.Replace(rec.ConnID), rec.Dir)
}

// Publish implements Publisher.
func (f *MQTTForwarder) Publish(rec Record) {
	select {
	case <-f.done:
		return
	default:
	}
	select {
	case f.queue <- rec:
	default:
		f.dropped.Add(1)
	}
}

func (f *MQTTForwarder) run() {
	defer f.wg.Done()
	for {
		select {
		case <-f.done:
			return
		case rec := <-f.queue:
			f.send(rec)
		}
	}
}

func (f *MQTTForwarder) send(rec Record) {
	payload, err := json.Marshal(rec)
	if err != nil {
		f.log.WithError(err).Error("mqtt record marshal failed")
		return
	}
	token := f.client.Publish(f.Topic(rec), f.qos, false, payload)
	if !token.WaitTimeout(5 * time.Second) {
		f.dropped.Add(1)
		return
	}
	if err := token.Error(); err != nil {
		f.dropped.Add(1)
		f.log.WithError(err).Debug("mqtt publish failed")
		return
	}
	f.sent.Add(1)
}

// Stats returns the number of records sent and dropped.
func (f *MQTTForwarder) Stats() (sent, dropped uint64) {
	return f.sent.Load(), f.dropped.Load()
}

// Close stops the send loop and disconnects.
func (f *MQTTForwarder) Close() {
	f.once.Do(func() {
		close(f.done)
		f.wg.Wait()
		f.client.Disconnect(250)
	})
}
