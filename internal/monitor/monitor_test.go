package monitor

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"sensorwatch/internal/alerts"
	"sensorwatch/internal/models"
	"sensorwatch/internal/storage"
)

// mockLog records appended entries in memory
type mockLog struct {
	mu      sync.Mutex
	entries []models.WarningEntry
	err     error
}

func (m *mockLog) Append(_ context.Context, entry models.WarningEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockLog) Close() error { return nil }

func (m *mockLog) Entries() []models.WarningEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.WarningEntry{}, m.entries...)
}

var fixedNow = time.Date(2025, time.May, 1, 12, 0, 0, 0, time.Local)

func newTestMonitor(t *testing.T, log *mockLog, events chan *models.WarningEvent, rejectUnknown bool) *Monitor {
	t.Helper()
	e, err := alerts.NewEvaluator(alerts.DefaultTable())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	cfg := Config{
		Evaluator:     e,
		Log:           log,
		Node:          "test-node",
		RejectUnknown: rejectUnknown,
		Clock:         func() time.Time { return fixedNow },
	}
	if events != nil {
		cfg.Events = events
	}
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func TestCheck_WarningIsLogged(t *testing.T) {
	log := &mockLog{}
	m := newTestMonitor(t, log, nil, false)

	out := m.Check(context.Background(), models.SensorReading{Name: "Temperatur", Value: 35})

	if out.Result.Status != models.StatusWarning {
		t.Fatalf("status = %s, want VARNING", out.Result.Status)
	}
	if out.LogErr != nil {
		t.Errorf("unexpected log error: %v", out.LogErr)
	}

	entries := log.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	if entries[0].Sensor != "Temperatur" || entries[0].Value != 35 || !entries[0].Timestamp.Equal(fixedNow) {
		t.Errorf("unexpected entry %+v", entries[0])
	}
}

func TestCheck_OKIsNotLogged(t *testing.T) {
	log := &mockLog{}
	m := newTestMonitor(t, log, nil, false)

	out := m.Check(context.Background(), models.SensorReading{Name: "CO2", Value: 500})

	if out.Result.Status != models.StatusOK {
		t.Fatalf("status = %s, want OK", out.Result.Status)
	}
	if n := len(log.Entries()); n != 0 {
		t.Errorf("expected no log entries, got %d", n)
	}
}

func TestCheck_LogFailureDoesNotFailResult(t *testing.T) {
	log := &mockLog{err: errors.New("disk full")}
	m := newTestMonitor(t, log, nil, false)

	out := m.Check(context.Background(), models.SensorReading{Name: "Luftfuktighet", Value: 10})

	if out.Result.Status != models.StatusWarning {
		t.Errorf("status = %s, want VARNING", out.Result.Status)
	}
	if out.LogErr == nil {
		t.Error("expected LogErr to surface the write failure")
	}
}

func TestCheck_LogFailureSkipsNotification(t *testing.T) {
	events := make(chan *models.WarningEvent, 1)
	m := newTestMonitor(t, &mockLog{err: errors.New("disk full")}, events, false)

	m.Check(context.Background(), models.SensorReading{Name: "CO2", Value: 2000})

	if len(events) != 0 {
		t.Errorf("unlogged warning was queued (%d events)", len(events))
	}
}

func TestCheck_CancelledRequestStillLogs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "varningslogg.txt")
	fl, err := storage.OpenFileLog(path)
	if err != nil {
		t.Fatalf("OpenFileLog: %v", err)
	}
	t.Cleanup(func() { fl.Close() })

	e, err := alerts.NewEvaluator(alerts.DefaultTable())
	if err != nil {
		t.Fatalf("NewEvaluator: %v", err)
	}
	events := make(chan *models.WarningEvent, 2)
	m, err := New(Config{Evaluator: e, Log: fl, Events: events, Node: "test-node"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := m.Check(ctx, models.SensorReading{Name: "Temperatur", Value: 35})
	if out.Result.Status != models.StatusWarning || out.LogErr != nil {
		t.Fatalf("outcome = %+v", out)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if len(lines) != 1 || !strings.HasSuffix(lines[0], "Sensor: Temperatur | Value: 35") {
		t.Errorf("log lines = %q", lines)
	}
	if len(events) != 1 {
		t.Errorf("expected 1 queued event, got %d", len(events))
	}
}

func TestCheckBatch(t *testing.T) {
	log := &mockLog{}
	m := newTestMonitor(t, log, nil, false)

	out := m.CheckBatch(context.Background(), map[string]float64{
		"Temperatur":    22,
		"Luftfuktighet": 10,
		"CO2":           1500,
	})

	if len(out) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(out))
	}
	if out["Temperatur"].Result.Status != models.StatusOK {
		t.Errorf("Temperatur status = %s", out["Temperatur"].Result.Status)
	}
	if out["Luftfuktighet"].Result.Status != models.StatusWarning {
		t.Errorf("Luftfuktighet status = %s", out["Luftfuktighet"].Result.Status)
	}
	if out["CO2"].Result.Status != models.StatusWarning {
		t.Errorf("CO2 status = %s", out["CO2"].Result.Status)
	}
	if n := len(log.Entries()); n != 2 {
		t.Errorf("expected 2 log entries, got %d", n)
	}

	stats := m.Stats()
	if stats.Checked != 3 || stats.Warnings != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestLogWarning_Concurrent(t *testing.T) {
	log := &mockLog{}
	m := newTestMonitor(t, log, nil, false)

	const n = 100
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.LogWarning(context.Background(), "CO2", float64(1000+i)); err != nil {
				t.Errorf("LogWarning: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if got := len(log.Entries()); got != n {
		t.Errorf("expected %d entries, got %d", n, got)
	}
}

func TestNotify_EnqueuesWarningEvents(t *testing.T) {
	events := make(chan *models.WarningEvent, 4)
	m := newTestMonitor(t, &mockLog{}, events, false)

	m.Check(context.Background(), models.SensorReading{Name: "CO2", Value: 1500})
	m.Check(context.Background(), models.SensorReading{Name: "CO2", Value: 400})

	select {
	case ev := <-events:
		if ev.Entry.Sensor != "CO2" || ev.Entry.Value != 1500 || ev.Node != "test-node" {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no warning event queued")
	}

	if len(events) != 0 {
		t.Errorf("OK readings must not be queued, %d left", len(events))
	}
}

func TestNotify_FullQueueDrops(t *testing.T) {
	events := make(chan *models.WarningEvent, 1)
	m := newTestMonitor(t, &mockLog{}, events, false)

	for i := 0; i < 3; i++ {
		m.Check(context.Background(), models.SensorReading{Name: "CO2", Value: 5000})
	}

	if got := m.Stats().Dropped; got != 2 {
		t.Errorf("expected 2 dropped events, got %d", got)
	}
}

func TestValidate(t *testing.T) {
	lenient := newTestMonitor(t, &mockLog{}, nil, false)
	strict := newTestMonitor(t, &mockLog{}, nil, true)

	unknown := models.SensorReading{Name: "Tryck", Value: 1}
	if err := lenient.Validate(unknown); err != nil {
		t.Errorf("lenient monitor rejected unknown sensor: %v", err)
	}
	if err := strict.Validate(unknown); err != ErrUnknownSensor {
		t.Errorf("expected ErrUnknownSensor, got %v", err)
	}
	if err := strict.Validate(models.SensorReading{Name: "CO2", Value: math.NaN()}); err != models.ErrNonFiniteValue {
		t.Errorf("expected ErrNonFiniteValue, got %v", err)
	}
	if err := strict.Validate(models.SensorReading{Name: "CO2", Value: 1}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{Log: &mockLog{}}); err == nil {
		t.Error("expected error without evaluator")
	}
	e, _ := alerts.NewEvaluator(alerts.DefaultTable())
	if _, err := New(Config{Evaluator: e}); err == nil {
		t.Error("expected error without log")
	}
}
