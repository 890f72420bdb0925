package errors

import (
	"errors"
	"net/http"
	"testing"
)

func TestAgentErrorMessageFormatting(t *testing.T) {
	plain := New(CodeNameRequired, "name is required", http.StatusBadRequest)
	if got, want := plain.Error(), "[NAME_REQUIRED] name is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	underlying := errors.New("connection refused")
	wrapped := Wrap(CodeConnectFailed, "connect failed", http.StatusServiceUnavailable, underlying)
	if got, want := wrapped.Error(), "[CONNECT_FAILED] connect failed: connection refused"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAgentErrorUnwrap(t *testing.T) {
	underlying := errors.New("disk full")
	wrapped := Wrap(CodeWriteError, "write failed", http.StatusServiceUnavailable, underlying)
	if !errors.Is(wrapped, underlying) {
		t.Fatalf("expected errors.Is to unwrap to the underlying cause")
	}
}

func TestWithDetailsAccumulates(t *testing.T) {
	err := FieldKeyInvalid("bad key").WithDetails("extra", "info")
	if err.Details["key"] != "bad key" {
		t.Errorf("expected constructor detail to survive, got %+v", err.Details)
	}
	if err.Details["extra"] != "info" {
		t.Errorf("expected chained detail to be added, got %+v", err.Details)
	}
}

func TestGetCodeAndHTTPStatusFromAgentError(t *testing.T) {
	var asErr error = TargetNotFound("t1")
	if code := GetCode(asErr); code != CodeTargetNotFound {
		t.Errorf("GetCode() = %q, want %q", code, CodeTargetNotFound)
	}
	if status := GetHTTPStatus(asErr); status != http.StatusNotFound {
		t.Errorf("GetHTTPStatus() = %d, want %d", status, http.StatusNotFound)
	}
	if code := GetCode(errors.New("plain")); code != "" {
		t.Errorf("expected non-AgentError to have no code, got %q", code)
	}
}

func TestIsAgentError(t *testing.T) {
	if IsAgentError(errors.New("plain")) {
		t.Errorf("expected plain error to not be an AgentError")
	}
	if !IsAgentError(PermissionDenied()) {
		t.Errorf("expected PermissionDenied to be an AgentError")
	}
}

func TestRateLimitedCarriesRetryAfter(t *testing.T) {
	err := RateLimited(3000)
	if err.Code != CodeRateLimited {
		t.Errorf("Code = %v, want %v", err.Code, CodeRateLimited)
	}
	if err.Details["retry_after_ms"] != int64(3000) {
		t.Errorf("expected retry_after_ms detail, got %+v", err.Details)
	}
}
