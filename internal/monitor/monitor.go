package monitor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
	"sensorwatch/internal/storage"
)

// ErrUnknownSensor is returned by Validate when unknown sensors are rejected
var ErrUnknownSensor = errors.New("unknown sensor")

// Outcome is the result of checking one reading
type Outcome struct {
	Sensor string
	Result models.ThresholdResult
	// LogErr is set when the warning could not be written to the log.
	// The result is still valid.
	LogErr error
}

// Monitor evaluates readings and records warnings
type Monitor struct {
	evaluator     *alerts.Evaluator
	log           storage.WarningLog
	events        chan<- *models.WarningEvent
	node          string
	rejectUnknown bool
	now           func() time.Time

	checked  atomic.Uint64
	warnings atomic.Uint64
	dropped  atomic.Uint64
}

// Config holds monitor dependencies
type Config struct {
	Evaluator *alerts.Evaluator
	Log       storage.WarningLog

	// Events receives warning events for the notification sinks. Optional.
	Events chan<- *models.WarningEvent
	Node   string

	RejectUnknown bool

	// Clock defaults to time.Now
	Clock func() time.Time
}

// Stats holds monitor counters
type Stats struct {
	Checked  uint64
	Warnings uint64
	Dropped  uint64
}

// New creates a monitor
func New(cfg Config) (*Monitor, error) {
	if cfg.Evaluator == nil {
		return nil, errors.New("monitor needs an evaluator")
	}
	if cfg.Log == nil {
		return nil, errors.New("monitor needs a warning log")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Monitor{
		evaluator:     cfg.Evaluator,
		log:           cfg.Log,
		events:        cfg.Events,
		node:          cfg.Node,
		rejectUnknown: cfg.RejectUnknown,
		now:           clock,
	}, nil
}

// Validate checks a reading before evaluation. Unknown sensors are only
// rejected when the monitor is configured to do so.
func (m *Monitor) Validate(reading models.SensorReading) error {
	if err := reading.Validate(); err != nil {
		return err
	}
	if m.rejectUnknown && !m.evaluator.Known(reading.Name) {
		return ErrUnknownSensor
	}
	return nil
}

// Check evaluates one reading and logs it when it is a warning
func (m *Monitor) Check(ctx context.Context, reading models.SensorReading) Outcome {
	result := m.evaluator.Evaluate(reading.Name, reading.Value)
	m.checked.Add(1)

	out := Outcome{Sensor: reading.Name, Result: result}
	if result.IsWarning() {
		m.warnings.Add(1)
		out.LogErr = m.LogWarning(ctx, reading.Name, reading.Value)
	}
	return out
}

// CheckBatch evaluates every reading in the map, keyed by sensor name
func (m *Monitor) CheckBatch(ctx context.Context, readings map[string]float64) map[string]Outcome {
	metrics.BatchSize.Observe(float64(len(readings)))

	out := make(map[string]Outcome, len(readings))
	for name, value := range readings {
		out[name] = m.Check(ctx, models.SensorReading{Name: name, Value: value})
	}
	return out
}

// LogWarning appends a warning line and, once it is written, queues the
// notification event. The append outlives a cancelled request. The error is
// returned for callers that care and is also logged.
func (m *Monitor) LogWarning(ctx context.Context, sensor string, value float64) error {
	entry := models.NewWarningEntry(sensor, value, m.now())

	if err := m.log.Append(context.WithoutCancel(ctx), entry); err != nil {
		logger.WithComponent("monitor").Error().
			Err(err).
			Str("sensor", sensor).
			Float64("value", value).
			Msg("failed to write warning log")
		return err
	}

	logger.WithComponent("monitor").Warn().
		Str("sensor", sensor).
		Float64("value", value).
		Msg("sensor value out of range")
	m.notify(entry)
	return nil
}

// notify offers the warning to the notification queue without blocking
func (m *Monitor) notify(entry models.WarningEntry) {
	if m.events == nil {
		return
	}

	select {
	case m.events <- models.NewWarningEvent(entry, m.node):
	default:
		m.dropped.Add(1)
		metrics.NotifyDroppedTotal.Inc()
		logger.WithComponent("monitor").Warn().
			Str("sensor", entry.Sensor).
			Msg("notification queue full, dropping warning event")
	}
}

// Sensors lists the sensors with configured ranges
func (m *Monitor) Sensors() []string {
	return m.evaluator.Table().Sensors()
}

// Stats returns monitor counters
func (m *Monitor) Stats() Stats {
	return Stats{
		Checked:  m.checked.Load(),
		Warnings: m.warnings.Load(),
		Dropped:  m.dropped.Load(),
	}
}
