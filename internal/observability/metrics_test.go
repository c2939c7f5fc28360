package observability

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	return NewMetricsWith(prometheus.NewRegistry())
}

func TestNewMetricsWith(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWith(reg)

	// Touch one metric of each kind so Gather sees them.
	m.RecordMessage("user")
	m.RecordModelRequest("anthropic", "claude-sonnet-4-0", "success", 1.2, 100, 400)
	m.RecordToolExecution("getWeather", "success", 0.05)
	m.ConfirmationParked()
	m.StreamOpened()
	m.RecordScheduledRun("daily-digest", "success")
	m.RecordUpload("stored")
	m.RecordError("server")
	m.RecordHTTPRequest("POST", "/api/chat", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) < 10 {
		t.Errorf("gathered %d metric families, want >= 10", len(families))
	}
	for _, f := range families {
		if !strings.HasPrefix(f.GetName(), "parley_") {
			t.Errorf("metric %q missing parley_ prefix", f.GetName())
		}
	}
}

func TestRecordMessage(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordMessage("user")
	m.RecordMessage("user")
	m.RecordMessage("assistant")

	if got := testutil.ToFloat64(m.Messages.WithLabelValues("user")); got != 2 {
		t.Errorf("user messages = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Messages.WithLabelValues("assistant")); got != 1 {
		t.Errorf("assistant messages = %v, want 1", got)
	}
}

func TestRecordModelRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordModelRequest("openai", "gpt-4o", "success", 2.5, 120, 600)
	m.RecordModelRequest("openai", "gpt-4o", "error", 0.3, 0, 0)

	if got := testutil.ToFloat64(m.ModelRequests.WithLabelValues("openai", "gpt-4o", "success")); got != 1 {
		t.Errorf("success count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelRequests.WithLabelValues("openai", "gpt-4o", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ModelTokens.WithLabelValues("openai", "gpt-4o", "prompt")); got != 120 {
		t.Errorf("prompt tokens = %v, want 120", got)
	}
	if got := testutil.ToFloat64(m.ModelTokens.WithLabelValues("openai", "gpt-4o", "completion")); got != 600 {
		t.Errorf("completion tokens = %v, want 600", got)
	}
}

func TestRecordToolExecution(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordToolExecution("writeFile", "success", 0.2)
	m.RecordToolExecution("writeFile", "rejected", 0)
	m.RecordToolExecution("doMagic", "error", 0.01)

	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("writeFile", "rejected")); got != 1 {
		t.Errorf("rejected count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ToolExecutions); got != 3 {
		t.Errorf("label combinations = %d, want 3", got)
	}
}

func TestConfirmationGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.ConfirmationParked()
	m.ConfirmationParked()
	if got := testutil.ToFloat64(m.PendingConfirmations); got != 2 {
		t.Errorf("pending = %v, want 2", got)
	}

	m.ConfirmationSettled()
	if got := testutil.ToFloat64(m.PendingConfirmations); got != 1 {
		t.Errorf("pending after settle = %v, want 1", got)
	}
}

func TestStreamGauge(t *testing.T) {
	m := newTestMetrics(t)

	m.StreamOpened()
	m.StreamOpened()
	m.StreamClosed()

	if got := testutil.ToFloat64(m.ActiveStreams); got != 1 {
		t.Errorf("active streams = %v, want 1", got)
	}
}

func TestRecordUploadOutcomes(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordUpload("stored")
	m.RecordUpload("stored")
	m.RecordUpload("rejected")

	expected := `
		# HELP parley_uploads_total Total number of upload attempts by outcome
		# TYPE parley_uploads_total counter
		parley_uploads_total{outcome="rejected"} 1
		parley_uploads_total{outcome="stored"} 2
	`
	if err := testutil.CollectAndCompare(m.Uploads, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestRecordHTTPRequest(t *testing.T) {
	m := newTestMetrics(t)

	m.RecordHTTPRequest("GET", "/healthz", "200", 0.002)
	m.RecordHTTPRequest("GET", "/healthz", "200", 0.001)

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/healthz", "200")); got != 2 {
		t.Errorf("request count = %v, want 2", got)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	// Every helper must be a no-op on a nil receiver.
	m.RecordMessage("user")
	m.RecordModelRequest("anthropic", "model", "success", 1, 1, 1)
	m.RecordToolExecution("tool", "success", 1)
	m.ConfirmationParked()
	m.ConfirmationSettled()
	m.StreamOpened()
	m.StreamClosed()
	m.RecordScheduledRun("task", "success")
	m.RecordUpload("stored")
	m.RecordError("component")
	m.RecordHTTPRequest("GET", "/", "200", 0)
}
