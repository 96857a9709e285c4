package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	pmqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

const sinkName = "mqtt"

var (
	ErrNoBroker        = errors.New("mqtt broker is required")
	ErrNoTopic         = errors.New("mqtt topic is required")
	ErrPublishTimeout  = errors.New("mqtt publish timed out")
	ErrPublisherClosed = errors.New("mqtt publisher is closed")
)

// Publisher sends warning events as JSON to an MQTT topic
type Publisher struct {
	topic   string
	qos     byte
	timeout time.Duration
	client  pmqtt.Client
	logger  zerolog.Logger
	closed  atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

// clientOptions builds paho options from the sink config
func clientOptions(cfg config.MQTTConfig, log zerolog.Logger) *pmqtt.ClientOptions {
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "sensorwatch-" + uuid.New().String()
	}

	opts := pmqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetOnConnectHandler(func(pmqtt.Client) {
			log.Info().Str("broker", cfg.Broker).Msg("connected to mqtt broker")
		}).
		SetConnectionLostHandler(func(_ pmqtt.Client, err error) {
			log.Warn().Err(err).Msg("mqtt connection lost")
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}
	return opts
}

// NewPublisher validates cfg and connects to the broker
func NewPublisher(cfg config.MQTTConfig) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, ErrNoBroker
	}
	if cfg.Topic == "" {
		return nil, ErrNoTopic
	}

	log := *logger.WithComponent("mqtt_publisher")
	p := newPublisher(cfg, pmqtt.NewClient(clientOptions(cfg, log)), log)

	token := p.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("connect to %s: timed out after %s", cfg.Broker, cfg.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", cfg.Broker, err)
	}

	log.Info().Str("topic", cfg.Topic).Uint8("qos", cfg.QoS).Msg("mqtt publisher initialized")
	return p, nil
}

func newPublisher(cfg config.MQTTConfig, client pmqtt.Client, log zerolog.Logger) *Publisher {
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	return &Publisher{
		topic:   cfg.Topic,
		qos:     cfg.QoS,
		timeout: timeout,
		client:  client,
		logger:  log,
	}
}

// Publish sends one event and waits for the broker acknowledgement
func (p *Publisher) Publish(ctx context.Context, event *models.WarningEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}

	payload, err := json.Marshal(event)
	if err != nil {
		p.fail()
		return fmt.Errorf("marshal warning event: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, false, payload)

	timeout := p.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	if !token.WaitTimeout(timeout) {
		p.fail()
		p.logger.Error().Str("event_id", event.ID).Dur("timeout", timeout).Msg("mqtt publish timed out")
		return ErrPublishTimeout
	}
	if err := token.Error(); err != nil {
		p.fail()
		return fmt.Errorf("mqtt publish: %w", err)
	}

	p.sent.Add(1)
	metrics.PublishTotal.WithLabelValues(sinkName, "success").Inc()
	return nil
}

// PublishBatch publishes events one by one; MQTT has no batch write.
// It stops at the first error.
func (p *Publisher) PublishBatch(ctx context.Context, events []*models.WarningEvent) error {
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.Publish(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) fail() {
	p.failed.Add(1)
	metrics.PublishTotal.WithLabelValues(sinkName, "failed").Inc()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight work
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.client.Disconnect(250)
	p.logger.Info().Msg("disconnected from mqtt broker")
	return nil
}

// Sent returns the number of events acknowledged by the broker
func (p *Publisher) Sent() uint64 {
	return p.sent.Load()
}

// Failed returns the number of events that could not be published
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}
