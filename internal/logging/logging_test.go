package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNew_DefaultLevel(t *testing.T) {
	logger := New("", "text")
	if logger == nil {
		t.Fatal("Expected non-nil logger")
	}
	if logger.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("Expected debug to be disabled by default")
	}
}

func TestNew_ErrorLevel(t *testing.T) {
	logger := New("error", "text")
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("Expected info level to be disabled at error level")
	}
}

func TestL_AddsRequestAndPrincipal(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "info", "json")

	ctx := WithLogger(context.Background(), logger)
	ctx = WithRequestID(ctx, "req-1")
	ctx = WithPrincipal(ctx, "user-9")

	L(ctx).Info("hello")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if line["request_id"] != "req-1" {
		t.Errorf("expected request_id req-1, got %v", line["request_id"])
	}
	if line["user_id"] != "user-9" {
		t.Errorf("expected user_id user-9, got %v", line["user_id"])
	}
}

func TestSecurity_TagsEvent(t *testing.T) {
	var buf bytes.Buffer
	ctx := WithLogger(context.Background(), NewWithWriter(&buf, "info", "json"))

	Security(ctx, "webhook signature rejected", "remote_ip", "10.0.0.1")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("invalid json log line: %v", err)
	}
	if line["security_event"] != true {
		t.Errorf("expected security_event=true, got %v", line["security_event"])
	}
	if line["level"] != "WARN" {
		t.Errorf("expected WARN, got %v", line["level"])
	}
}

func TestFromContext_Default(t *testing.T) {
	if FromContext(context.Background()) != slog.Default() {
		t.Error("Expected default logger when none is set")
	}
}
