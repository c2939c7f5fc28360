package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

func TestNewTracer(t *testing.T) {
	tests := []struct {
		name   string
		config TraceConfig
	}{
		{
			name: "with endpoint",
			config: TraceConfig{
				ServiceName:    "parley-test",
				ServiceVersion: "0.0.0",
				Endpoint:       "localhost:4317",
				EnableInsecure: true,
			},
		},
		{
			name: "without endpoint (no-op)",
			config: TraceConfig{
				ServiceName: "parley-test",
			},
		},
		{
			name: "with sampling",
			config: TraceConfig{
				ServiceName:  "parley-test",
				SamplingRate: 0.5,
			},
		},
		{
			name:   "defaults",
			config: TraceConfig{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tracer, shutdown := NewTracer(tt.config)
			defer func() { _ = shutdown(context.Background()) }()

			if tracer == nil {
				t.Fatal("NewTracer() returned nil")
			}
			if tracer.tracer == nil {
				t.Error("tracer.tracer is nil")
			}
		})
	}
}

func TestTracerStart(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.Start(context.Background(), "turn")
	defer span.End()

	if span == nil {
		t.Fatal("Start() returned nil span")
	}
	if got := trace.SpanFromContext(ctx); got != span {
		t.Error("span not stored in returned context")
	}
}

func TestTracerStartWithOptions(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "model.anthropic", SpanOptions{
		Kind: trace.SpanKindClient,
		Attributes: []attribute.KeyValue{
			attribute.String("model.name", "claude-sonnet-4-0"),
			attribute.Int("max_tokens", 4096),
		},
	})
	defer span.End()

	if span == nil {
		t.Fatal("Start() with options returned nil span")
	}
}

func TestTracerRecordError(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer func() { _ = shutdown(context.Background()) }()

	_, span := tracer.Start(context.Background(), "tool.writeFile")
	tracer.RecordError(span, errors.New("permission denied"))
	tracer.RecordError(span, nil)
	span.End()
}

func TestDomainSpans(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer func() { _ = shutdown(context.Background()) }()

	ctx := context.Background()

	ctx, turn := tracer.TraceTurn(ctx, "conv-1")
	_, model := tracer.TraceModelRequest(ctx, "anthropic", "claude-sonnet-4-0")
	model.End()
	_, tool := tracer.TraceToolExecution(ctx, "getWeather")
	tool.End()
	_, httpSpan := tracer.TraceHTTPRequest(ctx, "POST", "/api/chat")
	httpSpan.End()
	turn.End()
}

func TestWithSpan(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{ServiceName: "parley-test"})
	defer func() { _ = shutdown(context.Background()) }()

	called := false
	err := WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		called = true
		return nil
	})
	if err != nil {
		t.Errorf("WithSpan = %v, want nil", err)
	}
	if !called {
		t.Error("WithSpan did not invoke fn")
	}

	wantErr := errors.New("boom")
	err = WithSpan(context.Background(), tracer, "operation", func(ctx context.Context, span trace.Span) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("WithSpan = %v, want %v", err, wantErr)
	}
}

func TestGetTraceID(t *testing.T) {
	if id := GetTraceID(context.Background()); id != "" {
		t.Errorf("GetTraceID on empty context = %q, want empty", id)
	}

	// A recording provider produces valid trace ids.
	tracer, shutdown := NewTracer(TraceConfig{
		ServiceName:    "parley-test",
		Endpoint:       "localhost:4317",
		EnableInsecure: true,
	})
	defer func() { _ = shutdown(context.Background()) }()

	ctx, span := tracer.Start(context.Background(), "turn")
	defer span.End()

	if id := GetTraceID(ctx); id == "" {
		t.Error("GetTraceID on recording span = empty, want trace id")
	}
}
