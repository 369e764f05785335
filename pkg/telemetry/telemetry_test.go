package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/reflow-iac/reflow/pkg/engine"
)

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty service name", func(c *Config) { c.ServiceName = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"otlp without endpoint", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
			c.Tracing.Endpoint = ""
		}},
		{"bad sampling rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "none"
			c.Tracing.SamplingRate = 2
		}},
		{"metrics without address", func(c *Config) {
			c.Metrics.Enabled = true
			c.Metrics.ListenAddress = ""
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestLoggerComponentAndFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	child := logger.NewComponentLogger("engine").WithCycleID("c-1").WithResource("web")
	child.Debug("noop")

	ctx := child.WithContext(context.Background())
	if got := FromContext(ctx); got != child {
		t.Error("FromContext did not return the stored logger")
	}
	if got := FromContext(context.Background()); got == nil {
		t.Error("FromContext without logger should return a default")
	}
}

func TestMetricsRecordAndServe(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{
		Enabled:       true,
		ListenAddress: ":0",
		Path:          "/metrics",
		Namespace:     "reflow",
	})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	var _ engine.Recorder = m

	m.RecordCycle(engine.CycleConverged, 2*time.Second)
	m.RecordOperation("cluster", engine.OperationCreate, engine.ResultApplied, time.Second)
	m.RecordOperation("cluster", engine.OperationUpdate, engine.ResultSkipped, 0)
	m.RecordRetry("cluster", engine.OperationCreate)
	m.SetManagedResources(7)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := rec.Body.String()
	for _, want := range []string{
		`reflow_cycles_total{status="converged"} 1`,
		`reflow_operations_total{kind="cluster",operation="create",status="applied"} 1`,
		`reflow_retries_total{kind="cluster",operation="create"} 1`,
		`reflow_resources_managed 7`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestDisabledMetricsAreNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// Must not panic.
	m.RecordCycle(engine.CycleFailed, time.Second)
	m.RecordOperation("cluster", engine.OperationDelete, engine.ResultFailed, time.Second)
	m.RecordRetry("cluster", engine.OperationDelete)
	m.SetManagedResources(0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("disabled handler status = %d, want 404", rec.Code)
	}
}

func TestDisabledTracerIsUsable(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "reflow", "test", "dev")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	ctx, span := tracer.StartCycleSpan(context.Background(), "c-1")
	RecordSuccess(span)
	span.End()

	_, opSpan := tracer.StartOperationSpan(ctx, "web", "cluster", "create")
	RecordError(opSpan, engine.NewFatalError("boom", nil))
	opSpan.End()

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTracerImplementsEngineHook(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: false}, "reflow", "test", "dev")
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}

	var hook engine.Tracer = tracer

	ctx, endCycle := hook.StartCycle(context.Background(), "c-1")
	_, endOp := hook.StartOperation(ctx, "web", "cluster", engine.OperationCreate)
	endOp(engine.NewFatalError("boom", nil))
	endCycle(nil)

	if err := tracer.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
