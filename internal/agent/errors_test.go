package agent

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestToolError_Error(t *testing.T) {
	err := NewToolError("fetch_page", errors.New("connection refused")).
		WithType(ToolErrorNetwork).
		WithToolCallID("tc-123").
		WithAttempts(3)

	msg := err.Error()
	for _, want := range []string{"tool:network", "fetch_page", "attempts=3"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestToolError_MessageOverridesCause(t *testing.T) {
	err := NewToolError("fetch_page", errors.New("i/o timeout")).
		WithMessage("execution timed out after 5s")

	if !strings.Contains(err.Error(), "execution timed out after 5s") {
		t.Errorf("Error() = %q, want the custom message", err.Error())
	}
	if strings.Contains(err.Error(), "i/o timeout") {
		t.Errorf("Error() = %q, cause should be displaced", err.Error())
	}
}

func TestToolError_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")
	if !errors.Is(NewToolError("tool", cause), cause) {
		t.Error("expected ToolError to unwrap to its cause")
	}
}

func TestGetToolError_ThroughWrap(t *testing.T) {
	toolErr := NewToolError("tool", errors.New("boom"))
	wrapped := fmt.Errorf("resolving history: %w", toolErr)

	got, ok := GetToolError(wrapped)
	if !ok {
		t.Fatal("expected to extract the ToolError through the wrap")
	}
	if got.ToolName != "tool" {
		t.Errorf("ToolName = %q, want tool", got.ToolName)
	}

	if !IsToolError(wrapped) {
		t.Error("IsToolError should see through the wrap")
	}
	if IsToolError(errors.New("plain")) {
		t.Error("plain error misread as ToolError")
	}
}

func TestStreamError_Error(t *testing.T) {
	withDetail := &StreamError{Kind: ErrorKindModelStream, Detail: "upstream closed"}
	if got := withDetail.Error(); got != "stream error (model_stream): upstream closed" {
		t.Errorf("Error() = %q", got)
	}

	bare := &StreamError{Kind: ErrorKindCanceled}
	if got := bare.Error(); got != "stream error (canceled)" {
		t.Errorf("Error() = %q", got)
	}
}

func TestSentinelErrors(t *testing.T) {
	sentinels := []error{
		ErrMaxSteps,
		ErrNoProvider,
		ErrToolNotFound,
		ErrToolTimeout,
		ErrToolPanic,
		ErrStreamClosed,
	}
	for _, err := range sentinels {
		if err == nil || err.Error() == "" {
			t.Errorf("sentinel %v should carry a message", err)
		}
	}
}
