// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt bridges an external MQTT broker into the gateway. Devices
// publish on telemetry/{tenant}/{device} and event/{tenant}/{device}
// topics; the bridge converts each publish into a resource-addressed
// message and feeds it through the forwarding engine.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/absmach/fluxgate/address"
	"github.com/absmach/fluxgate/link"
	"github.com/absmach/fluxgate/message"
	"github.com/absmach/fluxgate/server/ingress"
)

// ErrUnknownTopic marks publishes on topics outside the ingestion namespaces.
var ErrUnknownTopic = errors.New("topic is not an ingestion namespace")

type Config struct {
	BrokerURL      string        `yaml:"broker_url"`
	ClientID       string        `yaml:"client_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	InjectTimeout  time.Duration `yaml:"inject_timeout"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig shapes the exponential backoff used while dialing
// the broker.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
}

func DefaultConfig() Config {
	return Config{
		ClientID:       "fluxgate-mqtt-bridge",
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		InjectTimeout:  30 * time.Second,
		Reconnect: ReconnectConfig{
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Multiplier:      2,
			MaxElapsedTime:  5 * time.Minute,
		},
	}
}

// Bridge consumes device publishes from an external MQTT broker.
type Bridge struct {
	config Config
	sink   *ingress.Bridge
	logger *slog.Logger
	client mqtt.Client
}

func New(cfg Config, sink *ingress.Bridge, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{
		config: cfg,
		sink:   sink,
		logger: logger,
	}
}

// Listen connects to the broker, subscribes to the ingestion topics and
// blocks until ctx is cancelled. Connection attempts retry with
// exponential backoff; paho's auto-reconnect takes over once connected.
func (b *Bridge) Listen(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.config.BrokerURL).
		SetClientID(b.config.ClientID).
		SetCleanSession(true).
		SetKeepAlive(b.config.KeepAlive).
		SetConnectTimeout(b.config.ConnectTimeout).
		SetAutoReconnect(true).
		SetResumeSubs(true)

	if b.config.Username != "" {
		opts.SetUsername(b.config.Username)
		opts.SetPassword(b.config.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("mqtt_bridge_connection_lost", slog.String("error", err.Error()))
	})
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		if err := b.subscribe(c); err != nil {
			b.logger.Error("mqtt_bridge_subscribe_failed", slog.String("error", err.Error()))
		}
	})

	client := mqtt.NewClient(opts)

	connect := func() (struct{}, error) {
		tok := client.Connect()
		if !tok.WaitTimeout(b.config.ConnectTimeout) {
			return struct{}{}, fmt.Errorf("connect to %s timed out", b.config.BrokerURL)
		}
		if err := tok.Error(); err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = b.config.Reconnect.InitialInterval
	bo.MaxInterval = b.config.Reconnect.MaxInterval
	bo.Multiplier = b.config.Reconnect.Multiplier

	if _, err := backoff.Retry(ctx, connect,
		backoff.WithBackOff(bo),
		backoff.WithMaxElapsedTime(b.config.Reconnect.MaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			b.logger.Warn("mqtt_bridge_connect_retry",
				slog.String("error", err.Error()),
				slog.Duration("next_attempt_in", next))
		})); err != nil {
		return fmt.Errorf("mqtt bridge failed to connect: %w", err)
	}
	b.client = client

	b.logger.Info("mqtt_bridge_connected", slog.String("broker", b.config.BrokerURL))

	<-ctx.Done()
	client.Disconnect(250)
	b.logger.Info("mqtt_bridge_stopped")
	return nil
}

func (b *Bridge) subscribe(c mqtt.Client) error {
	filters := map[string]byte{
		ingress.EndpointTelemetry + "/#": QoSByte(ingress.EndpointTelemetry),
		ingress.EndpointEvent + "/#":     QoSByte(ingress.EndpointEvent),
	}

	tok := c.SubscribeMultiple(filters, b.handleMessage)
	if !tok.WaitTimeout(b.config.ConnectTimeout) {
		return fmt.Errorf("subscribe timed out")
	}
	return tok.Error()
}

func (b *Bridge) handleMessage(_ mqtt.Client, m mqtt.Message) {
	addr, err := TopicAddress(m.Topic())
	if err != nil {
		b.logger.Warn("mqtt_bridge_bad_topic",
			slog.String("topic", m.Topic()),
			slog.String("error", err.Error()))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.config.InjectTimeout)
	defer cancel()

	outcome, condition, description, err := b.sink.Inject(ctx, &message.Message{
		Address:     addr.String(),
		ContentType: message.ContentTypeOctetStream,
		Payload:     m.Payload(),
	})
	if err != nil {
		b.logger.Warn("mqtt_bridge_inject_failed",
			slog.String("address", addr.String()),
			slog.String("error", err.Error()))
		return
	}

	if outcome != link.OutcomeAccepted {
		b.logger.Debug("mqtt_bridge_message_not_accepted",
			slog.String("address", addr.String()),
			slog.String("outcome", outcome),
			slog.String("condition", condition),
			slog.String("description", description))
	}
}

// TopicAddress converts an MQTT publish topic into a resource address.
// Topics follow the same endpoint/tenant/device layout as addresses, so
// the conversion is a parse plus an endpoint check.
func TopicAddress(topic string) (address.ID, error) {
	addr, err := address.Parse(topic)
	if err != nil {
		return address.ID{}, err
	}
	switch addr.Endpoint() {
	case ingress.EndpointTelemetry, ingress.EndpointEvent:
		return addr, nil
	default:
		return address.ID{}, fmt.Errorf("%w: %s", ErrUnknownTopic, addr.Endpoint())
	}
}

// QoSByte maps an ingestion endpoint onto the MQTT subscription QoS:
// telemetry is fire-and-forget, events need broker acknowledgement.
func QoSByte(endpoint string) byte {
	if ingress.QoSFor(endpoint) == link.AtMostOnce {
		return 0
	}
	return 1
}
