package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"sensorwatch/internal/config"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

const sinkName = "kafka"

// Producer errors
var (
	ErrProducerClosed  = errors.New("producer is closed")
	ErrNoBrokers       = errors.New("at least one broker is required")
	ErrNoTopic         = errors.New("topic is required")
	ErrSerializeFailed = errors.New("failed to serialize warning event")
)

var codecs = map[string]compress.Compression{
	"":       compress.None,
	"none":   compress.None,
	"gzip":   compress.Gzip,
	"snappy": compress.Snappy,
	"lz4":    compress.Lz4,
	"zstd":   compress.Zstd,
}

// messageWriter is the part of *kafka.Writer the producer needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes warning events to one topic, keyed by sensor so that
// warnings for a sensor stay ordered within a partition.
type Producer struct {
	writer     messageWriter
	maxRetries int
	backoff    time.Duration
	log        zerolog.Logger
	closed     atomic.Bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	written atomic.Uint64
}

// ProducerStats holds producer counters
type ProducerStats struct {
	MessagesSent   uint64
	MessagesFailed uint64
	BytesWritten   uint64
}

// NewProducer builds a producer for topic. kafka-go connects lazily, so
// brokers are not contacted until the first publish.
func NewProducer(brokers []string, topic string, cfg config.ProducerConfig) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, ErrNoBrokers
	}
	if topic == "" {
		return nil, ErrNoTopic
	}
	codec, ok := codecs[cfg.Compression]
	if !ok {
		return nil, fmt.Errorf("unknown kafka compression %q", cfg.Compression)
	}

	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  codec,
		MaxAttempts:  1,
	}

	log := logger.WithComponent("kafka_producer").With().Str("topic", topic).Logger()
	log.Info().
		Strs("brokers", brokers).
		Str("compression", cfg.Compression).
		Msg("kafka producer initialized")

	return newProducer(w, cfg, log), nil
}

func newProducer(w messageWriter, cfg config.ProducerConfig, log zerolog.Logger) *Producer {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	return &Producer{
		writer:     w,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.RetryBackoff,
		log:        log,
	}
}

// toMessage serializes an event into a Kafka message keyed by sensor
func toMessage(event *models.WarningEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("%w: %v", ErrSerializeFailed, err)
	}

	return kafka.Message{
		Key:   []byte(event.PartitionKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.ID)},
			{Key: "sensor", Value: []byte(event.Entry.Sensor)},
			{Key: "value", Value: []byte(strconv.FormatFloat(event.Entry.Value, 'f', -1, 64))},
			{Key: "node", Value: []byte(event.Node)},
		},
		Time: event.ReceivedAt,
	}, nil
}

// Publish sends a single event
func (p *Producer) Publish(ctx context.Context, event *models.WarningEvent) error {
	return p.PublishBatch(ctx, []*models.WarningEvent{event})
}

// PublishBatch writes events in one request. Events that fail to serialize
// are counted and skipped. When the broker rejects part of a batch only the
// rejected messages are retried.
func (p *Producer) PublishBatch(ctx context.Context, events []*models.WarningEvent) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		msg, err := toMessage(event)
		if err != nil {
			p.log.Error().Err(err).Str("event_id", event.ID).Msg("dropping unserializable warning event")
			p.countFailed(1)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return nil
	}

	start := time.Now()
	pending, err := p.write(ctx, msgs)
	metrics.KafkaPublishDuration.Observe(time.Since(start).Seconds())

	delivered := len(msgs) - len(pending)
	if delivered > 0 {
		p.sent.Add(uint64(delivered))
		p.written.Add(uint64(payloadSize(msgs) - payloadSize(pending)))
		metrics.PublishTotal.WithLabelValues(sinkName, "success").Add(float64(delivered))
	}
	if err != nil {
		p.countFailed(len(pending))
		return err
	}
	return nil
}

// write retries with doubling backoff and returns the messages that were
// still undelivered when it gave up.
func (p *Producer) write(ctx context.Context, msgs []kafka.Message) ([]kafka.Message, error) {
	wait := p.backoff
	attempts := p.maxRetries + 1

	for attempt := 1; ; attempt++ {
		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			return nil, nil
		}
		if msgs = rejected(msgs, err); len(msgs) == 0 {
			return nil, nil
		}

		if ctx.Err() != nil || attempt == attempts {
			p.log.Error().
				Err(err).
				Int("attempts", attempt).
				Int("undelivered", len(msgs)).
				Msg("kafka publish failed")
			return msgs, fmt.Errorf("kafka publish after %d attempts: %w", attempt, err)
		}

		p.log.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("undelivered", len(msgs)).
			Dur("backoff", wait).
			Msg("retrying kafka publish")
		metrics.KafkaPublishRetries.Inc()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return msgs, ctx.Err()
		}
		wait *= 2
	}
}

// rejected keeps the messages a kafka.WriteErrors marks as failed. Any
// other error fails the whole batch.
func rejected(msgs []kafka.Message, err error) []kafka.Message {
	var werrs kafka.WriteErrors
	if !errors.As(err, &werrs) || len(werrs) != len(msgs) {
		return msgs
	}
	out := msgs[:0:0]
	for i, e := range werrs {
		if e != nil {
			out = append(out, msgs[i])
		}
	}
	return out
}

func payloadSize(msgs []kafka.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Value)
	}
	return n
}

func (p *Producer) countFailed(n int) {
	if n == 0 {
		return
	}
	p.failed.Add(uint64(n))
	metrics.PublishTotal.WithLabelValues(sinkName, "failed").Add(float64(n))
}

// Close flushes and closes the writer. Calling Close twice is a no-op.
func (p *Producer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	return p.writer.Close()
}

// Stats returns producer statistics
func (p *Producer) Stats() ProducerStats {
	return ProducerStats{
		MessagesSent:   p.sent.Load(),
		MessagesFailed: p.failed.Load(),
		BytesWritten:   p.written.Load(),
	}
}
