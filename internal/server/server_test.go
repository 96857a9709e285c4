package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sensorwatch/internal/config"
	"sensorwatch/internal/models"
)

type fakeSink struct {
	mu     sync.Mutex
	events []*models.WarningEvent
	closed bool
}

func (f *fakeSink) Publish(ctx context.Context, event *models.WarningEvent) error {
	return f.PublishBatch(ctx, []*models.WarningEvent{event})
}

func (f *fakeSink) PublishBatch(_ context.Context, events []*models.WarningEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events...)
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.HTTP.Addr = "127.0.0.1:0"
	cfg.HTTP.ShutdownTimeout = 2 * time.Second
	cfg.WarningLog.Path = filepath.Join(t.TempDir(), "varningslogg.txt")
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return s
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	return string(data)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.WarningLog.Path = ""

	if _, err := New(cfg); err == nil {
		t.Fatal("expected error for empty warning log path")
	}
}

func TestServer_Routes(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)
	defer s.closeResources()
	h := s.Handler()

	rec := get(t, h, "/sensors/Temperatur/35")
	if rec.Code != http.StatusOK {
		t.Fatalf("check: status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"status":"VARNING"`) {
		t.Errorf("check body = %s", rec.Body)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
	if got := readLog(t, cfg.WarningLog.Path); !strings.HasSuffix(got, "Sensor: Temperatur | Value: 35\n") {
		t.Errorf("log = %q", got)
	}

	rec = get(t, h, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("health: status = %d", rec.Code)
	}
	var health HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil || health.Status != "ok" {
		t.Errorf("health body = %s", rec.Body)
	}

	rec = get(t, h, "/stats")
	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats decode: %v", err)
	}
	if stats.Monitor.Checked != 1 || stats.Monitor.Warnings != 1 || stats.WarningLog.Written != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.Notify != nil {
		t.Errorf("notify stats without a sink: %+v", stats.Notify)
	}

	rec = get(t, h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "sensorwatch_evaluations_total") {
		t.Errorf("metrics: status = %d", rec.Code)
	}

	rec = get(t, h, "/nowhere")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Errorf("not found: status = %d body = %s", rec.Code, rec.Body)
	}
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	defer s.closeResources()

	req := httptest.NewRequest(http.MethodOptions, "/sensor", nil)
	req.Header.Set("Origin", "http://dashboard.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

func TestServer_HealthClosedLog(t *testing.T) {
	s := newTestServer(t, testConfig(t))
	s.closeResources()

	rec := get(t, s.Handler(), "/health")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}

	// a closed log does not fail the evaluation
	rec = get(t, s.Handler(), "/sensors/CO2/5000")
	if rec.Code != http.StatusOK {
		t.Errorf("check with closed log: status = %d", rec.Code)
	}
}

func TestServer_ReopenLog(t *testing.T) {
	cfg := testConfig(t)
	s := newTestServer(t, cfg)
	defer s.closeResources()

	get(t, s.Handler(), "/sensors/CO2/5000")

	rotated := cfg.WarningLog.Path + ".1"
	if err := os.Rename(cfg.WarningLog.Path, rotated); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if err := s.ReopenLog(); err != nil {
		t.Fatalf("ReopenLog failed: %v", err)
	}

	get(t, s.Handler(), "/sensors/Luftfuktighet/90")

	if got := readLog(t, rotated); !strings.Contains(got, "Sensor: CO2 | Value: 5000") {
		t.Errorf("rotated log = %q", got)
	}
	if got := readLog(t, cfg.WarningLog.Path); !strings.Contains(got, "Sensor: Luftfuktighet | Value: 90") || strings.Contains(got, "CO2") {
		t.Errorf("new log = %q", got)
	}
}

func TestServer_RunShutdown(t *testing.T) {
	s := newTestServer(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if s.warningLog.Healthy() {
		t.Error("warning log still open after shutdown")
	}
}

func TestServer_RunListenError(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Addr = "127.0.0.1:-1"
	s := newTestServer(t, cfg)

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected listen error")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return on listen error")
	}
}

func TestServer_Notifications(t *testing.T) {
	fake := &fakeSink{}
	orig := newSink
	newSink = func(config.NotifyConfig) (sink, error) { return fake, nil }
	defer func() { newSink = orig }()

	cfg := testConfig(t)
	cfg.Notify.Sink = config.SinkMQTT
	cfg.Notify.NodeID = "node-1"
	s := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	get(t, s.Handler(), "/sensors/Temperatur/35")
	get(t, s.Handler(), "/sensors/CO2/500")

	rec := get(t, s.Handler(), "/stats")
	var stats StatsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("stats decode: %v", err)
	}
	if stats.Notify == nil || stats.Notify.Sink != config.SinkMQTT || stats.Notify.Capacity != cfg.Notify.QueueSize {
		t.Errorf("notify stats = %+v", stats.Notify)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.events) != 1 {
		t.Fatalf("expected 1 published warning, got %d", len(fake.events))
	}
	ev := fake.events[0]
	if ev.Entry.Sensor != "Temperatur" || ev.Node != "node-1" || ev.Reason != "Avvikelse i Temperatur" {
		t.Errorf("unexpected event %+v", ev)
	}
	if !fake.closed {
		t.Error("sink not closed on shutdown")
	}
}
