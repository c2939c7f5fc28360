package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the application metrics exposed at /metrics.
//
// The set tracks the conversation pipeline end to end:
//   - Message flow by role
//   - Model request performance and token consumption
//   - Tool execution patterns, including confirmation outcomes
//   - Pending confirmations and live response streams
//   - Upload traffic and HTTP surface latency
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	metrics.RecordMessage("user")
//	defer func() {
//	    metrics.RecordModelRequest("anthropic", model, "success", time.Since(start).Seconds(), in, out)
//	}()
type Metrics struct {
	// Messages counts messages appended to history.
	// Labels: role (user|assistant|tool)
	Messages *prometheus.CounterVec

	// ModelRequestDuration measures model API call latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	ModelRequestDuration *prometheus.HistogramVec

	// ModelRequests counts model requests.
	// Labels: provider, model, status (success|error)
	ModelRequests *prometheus.CounterVec

	// ModelTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	ModelTokens *prometheus.CounterVec

	// ToolExecutions counts tool invocations by terminal outcome.
	// Labels: tool, outcome (success|error|rejected|timeout)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// PendingConfirmations gauges invocations parked awaiting a decision.
	PendingConfirmations prometheus.Gauge

	// ActiveStreams gauges response streams currently open.
	ActiveStreams prometheus.Gauge

	// ScheduledRuns counts scheduled task firings.
	// Labels: task, outcome (success|error)
	ScheduledRuns *prometheus.CounterVec

	// Uploads counts upload attempts.
	// Labels: outcome (stored|rejected|failed)
	Uploads *prometheus.CounterVec

	// Errors counts errors by component.
	// Labels: component
	Errors *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP request latency in seconds.
	// Labels: method, path, status_code
	// Buckets: 0.001s, 0.005s, 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s
	HTTPRequestDuration *prometheus.HistogramVec

	// HTTPRequests counts HTTP requests.
	// Labels: method, path, status_code
	HTTPRequests *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the default Prometheus
// registry. Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics with the given registerer. Tests
// pass a fresh prometheus.NewRegistry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_total",
				Help: "Total number of messages appended to history by role",
			},
			[]string{"role"},
		),

		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_model_request_duration_seconds",
				Help:    "Duration of model API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		ModelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_model_requests_total",
				Help: "Total number of model requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ModelTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_model_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_tool_executions_total",
				Help: "Total number of tool executions by tool and outcome",
			},
			[]string{"tool", "outcome"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool"},
		),

		PendingConfirmations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_pending_confirmations",
				Help: "Current number of tool invocations awaiting a confirmation decision",
			},
		),

		ActiveStreams: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_streams",
				Help: "Current number of open response streams",
			},
		),

		ScheduledRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_scheduled_task_runs_total",
				Help: "Total number of scheduled task firings by task and outcome",
			},
			[]string{"task", "outcome"},
		),

		Uploads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_uploads_total",
				Help: "Total number of upload attempts by outcome",
			},
			[]string{"outcome"},
		),

		Errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_total",
				Help: "Total number of errors by component",
			},
			[]string{"component"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordMessage increments the message counter for a role.
func (m *Metrics) RecordMessage(role string) {
	if m == nil {
		return
	}
	m.Messages.WithLabelValues(role).Inc()
}

// RecordModelRequest records one model API call.
//
// Example:
//
//	start := time.Now()
//	// ... stream the completion ...
//	metrics.RecordModelRequest("anthropic", model, "success", time.Since(start).Seconds(), 120, 540)
func (m *Metrics) RecordModelRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.ModelRequests.WithLabelValues(provider, model, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokens.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records one tool invocation reaching a terminal
// outcome.
func (m *Metrics) RecordToolExecution(tool, outcome string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// ConfirmationParked increments the pending-confirmation gauge.
func (m *Metrics) ConfirmationParked() {
	if m == nil {
		return
	}
	m.PendingConfirmations.Inc()
}

// ConfirmationSettled decrements the pending-confirmation gauge.
func (m *Metrics) ConfirmationSettled() {
	if m == nil {
		return
	}
	m.PendingConfirmations.Dec()
}

// StreamOpened increments the active-stream gauge.
func (m *Metrics) StreamOpened() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

// StreamClosed decrements the active-stream gauge.
func (m *Metrics) StreamClosed() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}

// RecordScheduledRun records one scheduled task firing.
func (m *Metrics) RecordScheduledRun(task, outcome string) {
	if m == nil {
		return
	}
	m.ScheduledRuns.WithLabelValues(task, outcome).Inc()
}

// RecordUpload records one upload attempt.
func (m *Metrics) RecordUpload(outcome string) {
	if m == nil {
		return
	}
	m.Uploads.WithLabelValues(outcome).Inc()
}

// RecordError increments the error counter for a component.
func (m *Metrics) RecordError(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}
