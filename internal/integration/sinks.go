package integration

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/quanlan-server/quanlan-server/internal/config"
)

// ErrPublishTimeout is returned when the MQTT broker does not acknowledge in time
var ErrPublishTimeout = errors.New("mqtt publish timeout")

// Sink publishes one encoded event
type Sink interface {
	Name() string
	Publish(ctx context.Context, method string, payload []byte) error
	Close()
}

// NATSPublisher is the subset of *nats.Conn used by NATSSink
type NATSPublisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publishes events on <prefix>.events.<method>
type NATSSink struct {
	nc     NATSPublisher
	prefix string
}

// NewNATSSink creates a sink on nc
func NewNATSSink(nc NATSPublisher, prefix string) *NATSSink {
	if prefix == "" {
		prefix = "quanlan"
	}
	return &NATSSink{nc: nc, prefix: prefix}
}

// Subject returns the subject events for method are published on
func (s *NATSSink) Subject(method string) string {
	return s.prefix + ".events." + method
}

// Name implements Sink
func (s *NATSSink) Name() string { return "nats" }

// Publish implements Sink
func (s *NATSSink) Publish(_ context.Context, method string, payload []byte) error {
	return s.nc.Publish(s.Subject(method), payload)
}

// Close implements Sink. The connection belongs to the caller.
func (s *NATSSink) Close() {}

// MQTTSink publishes events on <topic_prefix>/events/<method>
type MQTTSink struct {
	client      mqtt.Client
	topicPrefix string
	qos         byte
	timeout     time.Duration
}

// NewMQTTSink wraps an already connected client
func NewMQTTSink(client mqtt.Client, topicPrefix string, qos byte) *MQTTSink {
	if topicPrefix == "" {
		topicPrefix = "quanlan"
	}
	return &MQTTSink{
		client:      client,
		topicPrefix: strings.TrimSuffix(topicPrefix, "/"),
		qos:         qos,
		timeout:     5 * time.Second,
	}
}

// DialMQTT connects to the broker described by cfg
func DialMQTT(cfg config.MQTTConfig, logger zerolog.Logger) (*MQTTSink, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.BrokerURL)
	opts.SetClientID(cfg.ClientID)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if strings.HasPrefix(cfg.BrokerURL, "ssl://") || strings.HasPrefix(cfg.BrokerURL, "tls://") {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetKeepAlive(30 * time.Second)

	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info().Str("broker", cfg.BrokerURL).Msg("MQTT client connected")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error().Err(err).Str("broker", cfg.BrokerURL).Msg("MQTT connection lost")
	})

	return connectMQTT(mqtt.NewClient(opts), cfg, 10*time.Second)
}

// connectMQTT waits for client to connect. On failure the client is
// disconnected so its retry loop stops.
func connectMQTT(client mqtt.Client, cfg config.MQTTConfig, timeout time.Duration) (*MQTTSink, error) {
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt %s: timeout", cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return nil, fmt.Errorf("connect mqtt %s: %w", cfg.BrokerURL, err)
	}

	return NewMQTTSink(client, cfg.TopicPrefix, cfg.QoS), nil
}

// Topic returns the topic events for method are published on
func (s *MQTTSink) Topic(method string) string {
	return s.topicPrefix + "/events/" + method
}

// Name implements Sink
func (s *MQTTSink) Name() string { return "mqtt" }

// Publish implements Sink
func (s *MQTTSink) Publish(_ context.Context, method string, payload []byte) error {
	token := s.client.Publish(s.Topic(method), s.qos, false, payload)
	if !token.WaitTimeout(s.timeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Close disconnects from the broker
func (s *MQTTSink) Close() {
	s.client.Disconnect(250)
}
