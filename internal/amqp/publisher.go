package amqp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

const sinkName = "amqp"

var (
	ErrNoURL           = errors.New("amqp url is required")
	ErrNoTarget        = errors.New("amqp exchange or queue is required")
	ErrNotConnected    = errors.New("amqp channel is not connected")
	ErrPublisherClosed = errors.New("amqp publisher is closed")
)

// channel is the part of *amqp.Channel the publisher uses
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// dialFunc opens a connection and a ready channel
type dialFunc func(cfg config.AMQPConfig) (channel, io.Closer, error)

// dial connects to the broker and declares the queue when events are
// routed through the default exchange.
func dial(cfg config.AMQPConfig) (channel, io.Closer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}

	if cfg.Exchange == "" {
		_, err = ch.QueueDeclare(
			cfg.Queue,   // name
			cfg.Durable, // durable
			false,       // delete when unused
			false,       // exclusive
			false,       // no-wait
			nil,         // arguments
		)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("declare queue %s: %w", cfg.Queue, err)
		}
	}
	return ch, conn, nil
}

// Publisher sends warning events as JSON to RabbitMQ. With an exchange and
// no queue the routing key is the sensor name; otherwise it is the queue.
type Publisher struct {
	cfg    config.AMQPConfig
	dial   dialFunc
	logger zerolog.Logger

	mu          sync.Mutex
	ch          channel
	conn        io.Closer
	lastAttempt time.Time
	closed      atomic.Bool

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewPublisher validates cfg and connects to the broker
func NewPublisher(cfg config.AMQPConfig) (*Publisher, error) {
	return newPublisher(cfg, dial, *logger.WithComponent("amqp_publisher"))
}

func newPublisher(cfg config.AMQPConfig, d dialFunc, log zerolog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, ErrNoURL
	}
	if cfg.Exchange == "" && cfg.Queue == "" {
		return nil, ErrNoTarget
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = time.Second
	}

	p := &Publisher{cfg: cfg, dial: d, logger: log}

	p.mu.Lock()
	err := p.connectLocked()
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("exchange", cfg.Exchange).
		Str("queue", cfg.Queue).
		Msg("amqp publisher initialized")
	return p, nil
}

// connectLocked replaces the channel. Attempts are spaced by ReconnectWait.
func (p *Publisher) connectLocked() error {
	if !p.lastAttempt.IsZero() && time.Since(p.lastAttempt) < p.cfg.ReconnectWait {
		return ErrNotConnected
	}
	p.lastAttempt = time.Now()

	ch, conn, err := p.dial(p.cfg)
	if err != nil {
		return err
	}
	p.ch, p.conn = ch, conn
	return nil
}

// dropLocked closes a broken channel so the next publish reconnects
func (p *Publisher) dropLocked() {
	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
	p.ch, p.conn = nil, nil
}

func (p *Publisher) routingKey(event *models.WarningEvent) string {
	if p.cfg.Exchange != "" && p.cfg.Queue == "" {
		return event.PartitionKey
	}
	return p.cfg.Queue
}

// Publish sends one event, reconnecting once if the channel is gone
func (p *Publisher) Publish(ctx context.Context, event *models.WarningEvent) error {
	if p.closed.Load() {
		return ErrPublisherClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(event)
	if err != nil {
		p.fail()
		return fmt.Errorf("marshal warning event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.ReceivedAt,
		Headers: amqp.Table{
			"sensor": event.Entry.Sensor,
			"node":   event.Node,
		},
		Body: body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if p.ch == nil {
			if err = p.connectLocked(); err != nil {
				break
			}
			p.logger.Info().Msg("reconnected to amqp broker")
		}

		err = p.ch.Publish(p.cfg.Exchange, p.routingKey(event), false, false, msg)
		if err == nil {
			p.sent.Add(1)
			metrics.PublishTotal.WithLabelValues(sinkName, "success").Inc()
			return nil
		}

		p.logger.Warn().Err(err).Str("event_id", event.ID).Msg("amqp publish failed, dropping channel")
		p.dropLocked()
	}

	p.fail()
	return fmt.Errorf("amqp publish: %w", err)
}

// PublishBatch publishes events in order and stops at the first error
func (p *Publisher) PublishBatch(ctx context.Context, events []*models.WarningEvent) error {
	for _, event := range events {
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

// Close closes the channel and connection. Calling Close twice is a no-op.
func (p *Publisher) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		if err := p.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	p.ch, p.conn = nil, nil

	p.logger.Info().Msg("disconnected from amqp broker")
	return errors.Join(errs...)
}

// Sent returns the number of events handed to the broker
func (p *Publisher) Sent() uint64 {
	return p.sent.Load()
}

// Failed returns the number of events that could not be published
func (p *Publisher) Failed() uint64 {
	return p.failed.Load()
}
