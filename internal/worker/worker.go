package worker

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/models"
)

const (
	batchPublishTimeout = 10 * time.Second
	eventPublishTimeout = 5 * time.Second
)

// Publisher sends warning events to a notification sink
type Publisher interface {
	Publish(ctx context.Context, event *models.WarningEvent) error
	PublishBatch(ctx context.Context, events []*models.WarningEvent) error
}

// Pool drains the warning queue into a Publisher. Each worker collects events
// until the batch is full or the flush interval passes. Events that fail are
// kept for the next flush until they run out of retries.
type Pool struct {
	publisher     Publisher
	events        <-chan *models.WarningEvent
	workers       int
	batchSize     int
	flushInterval time.Duration
	maxRetries    int

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Uint64
	retried   atomic.Uint64
	failed    atomic.Uint64
}

// Config holds worker pool configuration
type Config struct {
	Publisher    Publisher
	Events       <-chan *models.WarningEvent
	Workers      int
	BatchSize    int
	BatchTimeout time.Duration
	// MaxRetries bounds how many extra flushes a failing event gets
	MaxRetries int
}

// Stats holds worker pool counters
type Stats struct {
	Processed uint64
	Retried   uint64
	Failed    uint64
}

// NewPool creates a worker pool; call Start to run it
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 200 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		publisher:     cfg.Publisher,
		events:        cfg.Events,
		workers:       cfg.Workers,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.BatchTimeout,
		maxRetries:    cfg.MaxRetries,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Start launches the workers
func (p *Pool) Start() {
	logger.WithComponent("worker_pool").Info().
		Int("workers", p.workers).
		Int("batch_size", p.batchSize).
		Dur("flush_interval", p.flushInterval).
		Int("max_retries", p.maxRetries).
		Msg("starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
}

// Drain waits for the workers to flush and exit once the events channel is
// closed. After timeout it cancels them and reports false.
func (p *Pool) Drain(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return true
	case <-time.After(timeout):
		p.Stop()
		return false
	}
}

// Stop cancels the workers and waits for them. Pending events get one
// last flush.
func (p *Pool) Stop() {
	p.cancel()
	p.wg.Wait()
	logger.WithComponent("worker_pool").Info().Msg("worker pool stopped")
}

// Stats returns worker pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Retried:   p.retried.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	log := logger.WithComponent("worker").With().Int("worker_id", id).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("worker panic recovered")
			metrics.PanicsRecovered.WithLabelValues("worker").Inc()
		}
	}()

	pending := make([]*models.WarningEvent, 0, p.batchSize)
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.abandon(log, p.flush(log, pending))
			return

		case event, ok := <-p.events:
			if !ok {
				p.abandon(log, p.flush(log, pending))
				return
			}
			pending = append(pending, event)
			metrics.NotifyQueueSize.Set(float64(len(p.events)))
			if len(pending) >= p.batchSize {
				pending = p.flush(log, pending)
			}

		case <-ticker.C:
			pending = p.flush(log, pending)
		}
	}
}

// flush publishes pending as one batch. If the batch is refused, each event
// is tried on its own and the ones that still fail are returned for the next
// flush. The returned slice reuses pending's backing array.
func (p *Pool) flush(log zerolog.Logger, pending []*models.WarningEvent) []*models.WarningEvent {
	if len(pending) == 0 {
		return pending
	}

	// a cancelled pool still gets a bounded window to publish
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.ctx), batchPublishTimeout)
	defer cancel()

	start := time.Now()
	err := p.publisher.PublishBatch(ctx, pending)
	metrics.WorkerBatchPublishDuration.Observe(time.Since(start).Seconds())

	if err == nil {
		p.processed.Add(uint64(len(pending)))
		metrics.WorkerProcessedTotal.Add(float64(len(pending)))
		log.Debug().Int("batch_size", len(pending)).Msg("warning batch published")
		return pending[:0]
	}

	log.Warn().Err(err).Int("batch_size", len(pending)).Msg("batch publish failed, publishing events one by one")

	retry := pending[:0]
	for _, event := range pending {
		eventCtx, cancelEvent := context.WithTimeout(ctx, eventPublishTimeout)
		err := p.publisher.Publish(eventCtx, event)
		cancelEvent()

		if err == nil {
			p.processed.Add(1)
			metrics.WorkerProcessedTotal.Inc()
			continue
		}

		event.RetryCount++
		if event.RetryCount > p.maxRetries {
			p.failed.Add(1)
			metrics.WorkerFailedTotal.Inc()
			log.Error().
				Err(err).
				Str("event_id", event.ID).
				Str("sensor", event.Entry.Sensor).
				Int("attempts", event.RetryCount).
				Msg("giving up on warning event")
			continue
		}

		p.retried.Add(1)
		retry = append(retry, event)
	}
	return retry
}

// abandon counts events left over when a worker exits
func (p *Pool) abandon(log zerolog.Logger, left []*models.WarningEvent) {
	if len(left) == 0 {
		return
	}
	p.failed.Add(uint64(len(left)))
	metrics.WorkerFailedTotal.Add(float64(len(left)))
	log.Error().Int("count", len(left)).Msg("worker exiting with unpublished warning events")
}
