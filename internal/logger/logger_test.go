package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Strob0t/stageflow/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc", Async: true}
	l, closer := New(cfg)
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
	closer.Close()
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestRequestIDContext(t *testing.T) {
	ctx := context.Background()

	// Empty context returns empty string
	if got := RequestID(ctx); got != "" {
		t.Errorf("expected empty request ID, got %q", got)
	}

	// Set and retrieve
	ctx = WithRequestID(ctx, "req-123")
	if got := RequestID(ctx); got != "req-123" {
		t.Errorf("expected req-123, got %q", got)
	}
}

func TestRequestIDAttribute(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "stageflow"}, &buf)

	ctx := WithRequestID(context.Background(), "req-42")
	l.InfoContext(ctx, "run claimed", "run_id", "run_1")
	l.Info("no request")
	closer.Close()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if first["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", first["request_id"])
	}
	if first["service"] != "stageflow" {
		t.Errorf("service = %v, want stageflow", first["service"])
	}
	if strings.Contains(lines[1], "request_id") {
		t.Errorf("record without request id carries one: %s", lines[1])
	}
}

func TestRequestIDAttributeAsync(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "stageflow", Async: true}, &buf)

	l.InfoContext(WithRequestID(context.Background(), "req-async"), "heartbeat")
	closer.Close()

	if !strings.Contains(buf.String(), `"request_id":"req-async"`) {
		t.Errorf("async record lost request id: %s", buf.String())
	}
}

func TestCallerAttribute(t *testing.T) {
	var buf bytes.Buffer
	l, closer := newWithWriter(config.Logging{Level: "info", Service: "stageflow"}, &buf)

	ctx := WithCaller(WithRequestID(context.Background(), "req-7"), CallerMCP)
	if got := Caller(ctx); got != CallerMCP {
		t.Fatalf("Caller = %q, want %q", got, CallerMCP)
	}
	l.InfoContext(ctx, "run claimed")
	closer.Close()

	var rec map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["caller"] != CallerMCP || rec["request_id"] != "req-7" {
		t.Errorf("unexpected record %v", rec)
	}
}
