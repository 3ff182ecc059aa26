package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/openfroyo/realize/pkg/engine"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"development", func(c *Config) { *c = *DevelopmentConfig() }, false},
		{"no service name", func(c *Config) { c.ServiceName = "" }, true},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, true},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, true},
		{"bad exporter", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "jaeger"
		}, true},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		}, true},
		{"sampling out of range", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, true},
		{"listen without path", func(c *Config) {
			c.Metrics.ListenAddress = ":9100"
			c.Metrics.Path = ""
		}, true},
		{"async events without buffer", func(c *Config) {
			c.Events.Enabled = true
			c.Events.EnableAsync = true
			c.Events.BufferSize = 0
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogger_JSONFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "debug", Format: "json"})

	logger.NewComponentLogger("engine").WithRunID("run-1").WithResource("/tmp/x").Info("Applied")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Expected JSON log line, got %q: %v", buf.String(), err)
	}
	for key, want := range map[string]string{
		"component": "engine",
		"run_id":    "run-1",
		"resource":  "/tmp/x",
		"message":   "Applied",
		"level":     "info",
	} {
		if entry[key] != want {
			t.Errorf("Expected %s=%q, got %v", key, want, entry[key])
		}
	}
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf, LoggingConfig{Level: "warn", Format: "json"})

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("Unexpected output for warn level: %q", buf.String())
	}
}

func TestLogger_Context(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("Expected a no-op logger without one in the context")
	}

	logger := NopLogger()
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("Expected the stored logger")
	}
}

func TestParseLevel(t *testing.T) {
	if ParseLevel("debug") != zerolog.DebugLevel {
		t.Error("Expected debug level")
	}
	if ParseLevel("nonsense") != zerolog.InfoLevel {
		t.Error("Expected info as fallback")
	}
}

func sampleRun() *engine.RunResult {
	outcomes := []engine.Outcome{
		{Identity: engine.PathIdentity("/a"), Kind: engine.OutcomeUnchanged, Duration: time.Millisecond},
		{
			Identity: engine.PathIdentity("/b"),
			Kind:     engine.OutcomeChanged,
			Change:   &engine.Change{Operation: engine.OperationCreate, Summary: "create file (1 bytes)"},
		},
		{
			Identity: engine.PathIdentity("/c"),
			Kind:     engine.OutcomeFailed,
			Err:      engine.NewApplyError(engine.PathIdentity("/c"), errors.New("boom")),
		},
	}
	result := &engine.RunResult{
		ID:          "run-1",
		Status:      engine.RunStatusFailed,
		CompletedAt: time.Unix(1700000000, 0),
		Duration:    2 * time.Second,
		Outcomes:    outcomes,
	}
	for _, o := range outcomes {
		result.Summary.Add(o.Kind)
	}
	return result
}

func TestMetrics_Observer(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatal(err)
	}
	obs := m.Observer()
	ctx := context.Background()
	run := sampleRun()

	obs.RunStarted(ctx, run.ID, &engine.Graph{})
	if got := testutil.ToFloat64(m.activeRuns); got != 1 {
		t.Errorf("Expected 1 active run, got %v", got)
	}
	for _, o := range run.Outcomes {
		obs.ResourceFinished(ctx, run.ID, o)
	}
	obs.RunFinished(ctx, run)

	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("Expected no active runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.runsCompleted.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected 1 failed run, got %v", got)
	}
	if got := testutil.ToFloat64(m.resourceOutcomes.WithLabelValues("path", "changed")); got != 1 {
		t.Errorf("Expected 1 changed path, got %v", got)
	}
	if got := testutil.ToFloat64(m.changes.WithLabelValues("create", "false")); got != 1 {
		t.Errorf("Expected 1 create, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("apply", engine.ErrCodeApplyFailed)); got != 1 {
		t.Errorf("Expected 1 apply error, got %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunOutcomes.WithLabelValues("failed")); got != 1 {
		t.Errorf("Expected last run to report 1 failure, got %v", got)
	}
}

func TestMetrics_AbortedRunDoesNotUnderflow(t *testing.T) {
	m, _ := NewMetrics(DefaultConfig().Metrics)

	m.Observer().RunFinished(context.Background(), &engine.RunResult{
		Status: engine.RunStatusAborted,
		Err:    engine.NewCycleError(nil),
	})

	if got := testutil.ToFloat64(m.activeRuns); got != 0 {
		t.Errorf("Expected 0 active runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("cycle", engine.ErrCodeCycle)); got != 1 {
		t.Errorf("Expected cycle error to be counted, got %v", got)
	}
}

func TestMetrics_Disabled(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = false
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatal(err)
	}

	m.RecordRun(sampleRun())
	m.RecordOutcome(sampleRun().Outcomes[0])
	if m.Enabled() {
		t.Error("Expected disabled metrics")
	}
	if err := m.WriteTextfile(); err != nil {
		t.Errorf("Expected no-op, got %v", err)
	}
}

func TestMetrics_WriteTextfile(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.TextfilePath = filepath.Join(t.TempDir(), "realize.prom")
	m, _ := NewMetrics(cfg)
	m.RecordRun(sampleRun())

	if err := m.WriteTextfile(); err != nil {
		t.Fatalf("WriteTextfile failed: %v", err)
	}
	data, err := os.ReadFile(cfg.TextfilePath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `realize_runs_total{status="failed"} 1`) {
		t.Errorf("Unexpected textfile contents:\n%s", data)
	}
}

func TestEventPublisher_Sync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatal(err)
	}
	var events []engine.Event
	ep.Subscribe(func(e engine.Event) { events = append(events, e) }, nil)

	ctx := context.Background()
	run := sampleRun()
	ep.RunStarted(ctx, run.ID, &engine.Graph{})
	ep.ResourceTransition(ctx, run.ID, engine.PathIdentity("/b"), engine.StatePending, engine.StateProbing)
	for _, o := range run.Outcomes {
		ep.ResourceFinished(ctx, run.ID, o)
	}
	ep.RunFinished(ctx, run)

	wantTypes := []engine.EventType{
		engine.EventTypeRunStarted,
		engine.EventTypeResourceTransition,
		engine.EventTypeResourceChanged,
		engine.EventTypeResourceFailed,
		engine.EventTypeRunFailed,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("Expected %d events, got %d: %+v", len(wantTypes), len(events), events)
	}
	for i, want := range wantTypes {
		if events[i].Type != want {
			t.Errorf("Event %d: expected %s, got %s", i, want, events[i].Type)
		}
		if events[i].ID == "" || events[i].Timestamp.IsZero() {
			t.Errorf("Event %d: expected ID and timestamp", i)
		}
	}
	if events[3].Level != "error" {
		t.Errorf("Expected failure to be an error event, got %s", events[3].Level)
	}
}

func TestEventPublisher_AsyncDrainsOnShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 100})
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	ep.Subscribe(JSONLines(&buf), FilterByType(engine.EventTypeResourceTransition))

	for i := 0; i < 10; i++ {
		ep.ResourceTransition(context.Background(), "run", engine.PathIdentity("/x"), engine.StatePending, engine.StateProbing)
	}
	ep.RunStarted(context.Background(), "run", &engine.Graph{})

	if err := ep.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 10 {
		t.Errorf("Expected 10 transition lines, got %d", lines)
	}

	ep.RunStarted(context.Background(), "run", &engine.Graph{})
	if ep.Dropped() != 1 {
		t.Errorf("Expected events after shutdown to be dropped, got %d", ep.Dropped())
	}
}

func TestEventFilters(t *testing.T) {
	warn := engine.Event{Type: engine.EventTypeResourceBlocked, Level: "warning", RunID: "a"}
	info := engine.Event{Type: engine.EventTypeRunStarted, Level: "info", RunID: "b"}

	if !FilterByLevel("warning")(warn) || FilterByLevel("warning")(info) {
		t.Error("FilterByLevel mismatch")
	}
	if !FilterByRunID("a")(warn) || FilterByRunID("a")(info) {
		t.Error("FilterByRunID mismatch")
	}
}

func TestTelemetry_EngineWiring(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = filepath.Join(t.TempDir(), "realize.log")
	cfg.Events.Enabled = true

	tel, err := NewTelemetry(cfg, nil)
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if got := len(tel.Observers()); got != 2 {
		t.Errorf("Expected metrics and events observers, got %d", got)
	}

	eng := engine.New(engine.Options{}, tel.EngineOptions()...)
	result, err := eng.Run(context.Background(), func(r *engine.Reality) error { return nil })
	if err != nil {
		t.Fatal(err)
	}
	if got := testutil.ToFloat64(tel.Metrics.runsCompleted.WithLabelValues(string(result.Status))); got != 1 {
		t.Errorf("Expected the run to be counted, got %v", got)
	}

	ctx := tel.WithContext(context.Background())
	if FromTelemetryContext(ctx) != tel {
		t.Error("Expected telemetry in context")
	}
}
