package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/amqp"
	"sensorwatch/internal/config"
	"sensorwatch/internal/handlers"
	"sensorwatch/internal/kafka"
	"sensorwatch/internal/logger"
	"sensorwatch/internal/metrics"
	"sensorwatch/internal/middleware"
	"sensorwatch/internal/models"
	"sensorwatch/internal/monitor"
	"sensorwatch/internal/mqtt"
	"sensorwatch/internal/storage"
	"sensorwatch/internal/worker"
)

// sink is a notification publisher that owns a connection
type sink interface {
	worker.Publisher
	Close() error
}

// newSink builds the configured notification sink; replaced in tests
var newSink = func(cfg config.NotifyConfig) (sink, error) {
	switch cfg.Sink {
	case config.SinkKafka:
		return kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Producer)
	case config.SinkMQTT:
		return mqtt.NewPublisher(cfg.MQTT)
	case config.SinkAMQP:
		return amqp.NewPublisher(cfg.AMQP)
	default:
		return nil, fmt.Errorf("unknown notification sink %q", cfg.Sink)
	}
}

// Server wires the warning log, the monitor and the HTTP surface together.
type Server struct {
	cfg        *config.Config
	warningLog *storage.FileLog
	monitor    *monitor.Monitor
	handler    http.Handler
	httpServer *http.Server

	// set only when a notification sink is configured
	events     chan *models.WarningEvent
	sink       sink
	workerPool *worker.Pool

	startedAt time.Time
	wg        sync.WaitGroup
}

// New opens the warning log and builds every component. Nothing listens
// until Run is called.
func New(cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	log := logger.WithComponent("server")
	s := &Server{cfg: cfg, startedAt: time.Now()}

	warningLog, err := storage.OpenFileLog(cfg.WarningLog.Path)
	if err != nil {
		return nil, fmt.Errorf("open warning log: %w", err)
	}
	s.warningLog = warningLog

	if cfg.NotifyEnabled() {
		if err := s.initNotifier(); err != nil {
			warningLog.Close()
			return nil, fmt.Errorf("init notifier: %w", err)
		}
	}

	evaluator, err := alerts.NewEvaluator(alerts.DefaultTable())
	if err != nil {
		s.closeResources()
		return nil, err
	}

	mon, err := monitor.New(monitor.Config{
		Evaluator:     evaluator,
		Log:           warningLog,
		Events:        s.events,
		Node:          nodeID(cfg.Notify.NodeID),
		RejectUnknown: cfg.Sensors.RejectUnknown,
	})
	if err != nil {
		s.closeResources()
		return nil, err
	}
	s.monitor = mon

	s.handler = s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      s.handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	log.Info().
		Str("warning_log", warningLog.Path()).
		Str("sink", cfg.Notify.Sink).
		Bool("reject_unknown", cfg.Sensors.RejectUnknown).
		Msg("server initialized")
	return s, nil
}

// initNotifier creates the queue, the sink and the worker pool
func (s *Server) initNotifier() error {
	n := s.cfg.Notify

	sk, err := newSink(n)
	if err != nil {
		return err
	}
	s.sink = sk
	s.events = make(chan *models.WarningEvent, n.QueueSize)
	s.workerPool = worker.NewPool(worker.Config{
		Publisher:    sk,
		Events:       s.events,
		Workers:      n.Workers,
		BatchSize:    n.BatchSize,
		BatchTimeout: n.BatchTimeout,
		MaxRetries:   n.MaxRetries,
	})

	metrics.NotifyQueueCapacity.Set(float64(n.QueueSize))
	logger.WithComponent("server").Info().
		Str("sink", n.Sink).
		Int("queue_size", n.QueueSize).
		Int("workers", n.Workers).
		Msg("warning notifications enabled")
	return nil
}

func nodeID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "unknown"
}

// routes builds the router. Middleware is attached with Use so it sees the
// matched route template.
func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)
	r.Use(middleware.Logging, middleware.Recovery)

	handlers.NewSensorHandler(handlers.SensorConfig{
		Monitor:     s.monitor,
		MaxBodySize: s.cfg.HTTP.MaxBodySize,
	}).Register(r)

	r.HandleFunc("/health", s.healthHandler).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.statsHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	return middleware.CORS(s.cfg.HTTP.AllowedOrigins)(r)
}

// Handler returns the HTTP handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Monitor returns the monitor used by the HTTP handlers
func (s *Server) Monitor() *monitor.Monitor {
	return s.monitor
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
// SIGHUP reopens the warning log.
func (s *Server) Run(ctx context.Context) error {
	log := logger.WithComponent("server")
	log.Info().Msg("server starting")

	if s.workerPool != nil {
		s.workerPool.Start()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchReopen(runCtx, hup)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.reportStats(runCtx)
	}()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.cfg.HTTP.Addr).Msg("starting HTTP server")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err, ok := <-serveErr:
		if ok {
			log.Error().Err(err).Msg("HTTP server error")
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	cancel()
	s.shutdown()
	return runErr
}

// watchReopen reopens the warning log on every signal, for logrotate
func (s *Server) watchReopen(ctx context.Context, sig <-chan os.Signal) {
	log := logger.WithComponent("server")
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
			if err := s.ReopenLog(); err != nil {
				log.Error().Err(err).Msg("failed to reopen warning log")
			}
		}
	}
}

// ReopenLog reopens the warning log file at its configured path
func (s *Server) ReopenLog() error {
	return s.warningLog.Reopen()
}

// shutdown performs graceful shutdown
func (s *Server) shutdown() {
	log := logger.WithComponent("server")
	log.Info().Msg("initiating graceful shutdown")

	timeout := s.cfg.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// 1. Stop accepting new HTTP requests
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	handlersDone := true
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
		handlersDone = false
	}

	// 2. Flush queued notifications. The queue is only closed once no
	// handler can send on it any more.
	if s.workerPool != nil {
		if handlersDone {
			close(s.events)
			if !s.workerPool.Drain(timeout) {
				log.Warn().Msg("worker drain timeout, pending warnings dropped")
			}
		} else {
			s.workerPool.Stop()
		}
	}

	// 3. Wait for background goroutines
	s.wg.Wait()

	// 4. Close sink and warning log
	s.closeResources()
	log.Info().Msg("server stopped gracefully")
}

func (s *Server) closeResources() {
	log := logger.WithComponent("server")
	if s.sink != nil {
		if err := s.sink.Close(); err != nil {
			log.Error().Err(err).Msg("notification sink close error")
		}
	}
	if err := s.warningLog.Close(); err != nil {
		log.Error().Err(err).Msg("warning log close error")
	}
}

// reportStats periodically logs statistics
func (s *Server) reportStats(ctx context.Context) {
	log := logger.WithComponent("server")
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.stats()
			if s.events != nil {
				metrics.NotifyQueueSize.Set(float64(len(s.events)))
			}

			log.Info().
				Uint64("checked", st.Monitor.Checked).
				Uint64("warnings", st.Monitor.Warnings).
				Uint64("log_written", st.WarningLog.Written).
				Uint64("log_failed", st.WarningLog.Failed).
				Uint64("notify_dropped", st.Monitor.Dropped).
				Msg("stats")
		}
	}
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// healthHandler handles health check requests
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Timestamp: time.Now().Format(time.RFC3339)}
	status := http.StatusOK
	if !s.warningLog.Healthy() {
		resp.Status = "unhealthy"
		resp.Error = storage.ErrLogClosed.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// StatsResponse is returned by GET /stats
type StatsResponse struct {
	Uptime     string               `json:"uptime"`
	Monitor    MonitorStats         `json:"monitor"`
	WarningLog storage.FileLogStats `json:"warning_log"`
	Notify     *NotifyStats         `json:"notify,omitempty"`
}

// MonitorStats mirrors monitor.Stats with JSON names
type MonitorStats struct {
	Checked  uint64 `json:"checked"`
	Warnings uint64 `json:"warnings"`
	Dropped  uint64 `json:"dropped"`
}

// NotifyStats describes the notification queue and workers
type NotifyStats struct {
	Sink      string `json:"sink"`
	Buffered  int    `json:"buffered"`
	Capacity  int    `json:"capacity"`
	Processed uint64 `json:"processed"`
	Retried   uint64 `json:"retried"`
	Failed    uint64 `json:"failed"`
}

func (s *Server) stats() StatsResponse {
	ms := s.monitor.Stats()
	resp := StatsResponse{
		Uptime:     time.Since(s.startedAt).Round(time.Second).String(),
		Monitor:    MonitorStats{Checked: ms.Checked, Warnings: ms.Warnings, Dropped: ms.Dropped},
		WarningLog: s.warningLog.Stats(),
	}
	if s.workerPool != nil {
		ws := s.workerPool.Stats()
		resp.Notify = &NotifyStats{
			Sink:      s.cfg.Notify.Sink,
			Buffered:  len(s.events),
			Capacity:  cap(s.events),
			Processed: ws.Processed,
			Retried:   ws.Retried,
			Failed:    ws.Failed,
		}
	}
	return resp
}

// statsHandler returns current statistics
func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithComponent("server").Error().Err(err).Msg("failed to encode response")
	}
}
