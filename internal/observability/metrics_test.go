package observability

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"

	"github.com/free-drones/drone-interactive-map-sub000/internal/telemetry"
)

func TestRequestFinishedRecordsOutcomeAndDuration(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewClientCollector(reg)
	if err != nil {
		t.Fatalf("NewClientCollector: %v", err)
	}

	collector.RequestSent("set_area")
	collector.RequestFinished("set_area", "ack", 40*time.Millisecond)
	collector.RequestFinished("set_area", "timeout", 10*time.Second)
	collector.RequestFinished("check_alive", "dropped", 0)

	if got := testutil.ToFloat64(collector.RequestsSent.WithLabelValues("set_area")); got != 1 {
		t.Fatalf("imm_requests_sent_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RequestsFinished.WithLabelValues("set_area", "ack")); got != 1 {
		t.Fatalf("imm_requests_total ack = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.RequestsFinished.WithLabelValues("set_area", "timeout")); got != 1 {
		t.Fatalf("imm_requests_total timeout = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "imm_request_duration_seconds", map[string]string{"kind": "set_area"}); count != 2 {
		t.Fatalf("imm_request_duration_seconds sample_count = %d, want 2", count)
	}
	if count := histogramSampleCount(t, reg, "imm_request_duration_seconds", map[string]string{"kind": "check_alive"}); count != 0 {
		t.Fatalf("dropped request observed a duration: %d samples", count)
	}
}

func TestRegisteringTwiceReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewClientCollector(reg)
	if err != nil {
		t.Fatalf("NewClientCollector: %v", err)
	}
	second, err := NewClientCollector(reg)
	if err != nil {
		t.Fatalf("second NewClientCollector: %v", err)
	}

	first.PushReceived("new_pic", true)
	second.PushReceived("new_pic", true)
	second.PushReceived("bogus", false)

	if got := testutil.ToFloat64(first.Pushes.WithLabelValues("new_pic", "acked")); got != 2 {
		t.Fatalf("imm_pushes_total acked = %v, want 2", got)
	}
	if got := testutil.ToFloat64(first.Pushes.WithLabelValues("bogus", "rejected")); got != 1 {
		t.Fatalf("imm_pushes_total rejected = %v, want 1", got)
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *ClientCollector
	collector.RequestSent("x")
	collector.RequestFinished("x", "ack", time.Second)
	collector.QueueDepth(3)
	collector.PushReceived("x", true)
	collector.AreaEdit("insert", "committed")
	collector.PriorityHandoff()
	collector.SetConnected(true)
}

func TestMetricsHandlerExposesClientGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewClientCollector(reg)
	if err != nil {
		t.Fatalf("NewClientCollector: %v", err)
	}
	collector.QueueDepth(4)
	collector.SetConnected(true)
	collector.AreaEdit("insert", "conflict")
	collector.PriorityHandoff()
	collector.RequestFinished("set_mode", "error", time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"imm_queue_depth 4",
		"imm_connected 1",
		`imm_area_edits_total{kind="insert",result="conflict"} 1`,
		"imm_priority_handoffs_total 1",
		`imm_requests_total{kind="set_mode",outcome="error"} 1`,
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
}

func TestInitTracingDisabledInstallsNoop(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{}, telemetry.Discard())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	_, span := otel.Tracer(TracerName).Start(context.Background(), "probe")
	if span.SpanContext().IsValid() {
		t.Fatalf("expected noop span, got valid span context")
	}
	span.End()
	ShutdownWithTimeout(context.Background(), shutdown, telemetry.Discard())
}

func TestInitTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "imm-test",
		Exporter:    "stdout",
		SampleRatio: 1,
		Writer:      &buf,
	}, telemetry.Discard())
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	t.Cleanup(func() {
		_, _ = InitTracing(context.Background(), TracingConfig{}, telemetry.Discard())
	})

	_, span := otel.Tracer(TracerName).Start(context.Background(), "imm.request.check_alive")
	if !span.SpanContext().IsValid() {
		t.Fatalf("expected recording span")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "imm.request.check_alive") {
		t.Fatalf("stdout exporter output missing span name: %s", buf.String())
	}
}

func TestInitTracingRejectsUnknownExporter(t *testing.T) {
	_, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin"}, telemetry.Discard())
	if err == nil {
		t.Fatalf("expected error for unsupported exporter")
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("IMM_TRACING_ENABLED", "TRUE")
	t.Setenv("IMM_TRACING_EXPORTER", "OTLP")
	t.Setenv("IMM_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("IMM_OTLP_ENDPOINT", "collector:4317")
	t.Setenv("IMM_TRACING_SERVICE_NAME", "")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ServiceName != "imm-client" {
		t.Fatalf("service name = %q, want imm-client", cfg.ServiceName)
	}

	t.Setenv("IMM_TRACING_SAMPLE_RATIO", "7")
	if got := TracingConfigFromEnv().SampleRatio; got != 1 {
		t.Fatalf("out of range ratio should fall back to 1, got %v", got)
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
