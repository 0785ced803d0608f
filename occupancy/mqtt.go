package occupancy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	// DefaultTopic is the sensor topic subscribed to when none is configured
	DefaultTopic = "occupancy/state"
	// DefaultClientID identifies the service on the sensor broker
	DefaultClientID = "deskflow-occupancy"

	subscribeQoS = 1
)

// ClientFactory builds the underlying MQTT client
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// SourceOption configures an MQTTSource
type SourceOption func(*MQTTSource)

// WithSourceLogger sets the logger
func WithSourceLogger(logger *slog.Logger) SourceOption {
	return func(s *MQTTSource) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClientFactory replaces mqtt.NewClient
func WithClientFactory(factory ClientFactory) SourceOption {
	return func(s *MQTTSource) {
		if factory != nil {
			s.factory = factory
		}
	}
}

// WithStartTimeout bounds how long Start waits for the first connection
func WithStartTimeout(timeout time.Duration) SourceOption {
	return func(s *MQTTSource) {
		if timeout > 0 {
			s.startTimeout = timeout
		}
	}
}

// MQTTSource subscribes to the sensor topic and forwards every message to
// a handler. The client reconnects on its own and subscribes again after
// each connect.
type MQTTSource struct {
	broker       string
	clientID     string
	topic        string
	handle       func(topic string, payload []byte) bool
	logger       *slog.Logger
	factory      ClientFactory
	startTimeout time.Duration

	client mqtt.Client
}

// NewMQTTSource creates a source delivering to handle (usually Bridge.Handle)
func NewMQTTSource(broker, clientID, topic string, handle func(topic string, payload []byte) bool, options ...SourceOption) *MQTTSource {
	if clientID == "" {
		clientID = DefaultClientID
	}
	if topic == "" {
		topic = DefaultTopic
	}

	s := &MQTTSource{
		broker:       broker,
		clientID:     clientID,
		topic:        topic,
		handle:       handle,
		logger:       slog.Default(),
		factory:      mqtt.NewClient,
		startTimeout: 10 * time.Second,
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With("broker", broker, "topic", topic)
	return s
}

// Start connects to the sensor broker. When the broker cannot be reached
// within the start timeout the client keeps retrying in the background
// and Start returns nil.
func (s *MQTTSource) Start(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("sensor broker connection lost", "error", err)
		})

	s.client = s.factory(opts)
	token := s.client.Connect()

	timer := time.NewTimer(s.startTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("occupancy: connect to %s: %w", s.broker, err)
		}
	case <-timer.C:
		s.logger.Warn("sensor broker not reachable yet, retrying in background")
	case <-ctx.Done():
		s.client.Disconnect(0)
		return ctx.Err()
	}
	return nil
}

// Stop disconnects from the sensor broker
func (s *MQTTSource) Stop() {
	if s.client == nil {
		return
	}
	s.client.Disconnect(250)
	s.logger.Info("disconnected from sensor broker")
}

// IsConnected reports whether the client currently holds a connection
func (s *MQTTSource) IsConnected() bool {
	return s.client != nil && s.client.IsConnectionOpen()
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	s.logger.Info("connected to sensor broker, subscribing")
	token := c.Subscribe(s.topic, subscribeQoS, func(_ mqtt.Client, msg mqtt.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	// The connect callback must not block on the token
	go func() {
		<-token.Done()
		if err := token.Error(); err != nil {
			s.logger.Error("failed to subscribe to sensor topic", "error", err)
		}
	}()
}
