package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var out map[string]any
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return out
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "test-service",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
		{
			name:        "create logger with complex service name",
			serviceName: "statusrelay-relay-v0.4.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	tests := []struct {
		name     string
		hasTrace bool
	}{
		{name: "with trace context", hasTrace: true},
		{name: "without trace context", hasTrace: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.hasTrace {
				c, s := tp.Tracer("test").Start(ctx, "op")
				defer s.End()
				ctx = c
			}

			var buf bytes.Buffer
			NewWithWriter("test-service", &buf).WithContext(ctx).Info("hello")
			got := decodeLine(t, &buf)

			_, hasTraceID := got["trace_id"]
			if hasTraceID != tt.hasTrace {
				t.Errorf("trace_id present = %v, want %v", hasTraceID, tt.hasTrace)
			}
			if got["service"] != "test-service" {
				t.Errorf("service = %v, want test-service", got["service"])
			}
		})
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("relay", &buf).Plain().
		WithSession("session-1").
		WithPost("post-1").
		WithJob("job-1").
		WithMessage("3EB0ABCD").
		WithField("batch_size", 500).
		WithFields(map[string]any{"ladder_index": 2}).
		WithError(errors.New("boom")).
		Warn("batch slow")

	got := decodeLine(t, &buf)

	want := map[string]any{
		"session_id": "session-1",
		"post_id":    "post-1",
		"job_id":     "job-1",
		"message_id": "3EB0ABCD",
		"level":      "warn",
		"msg":        "batch slow",
		"service":    "relay",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %v, want %v", k, got[k], v)
		}
	}

	fields, ok := got["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", got)
	}
	if fields["batch_size"] != float64(500) {
		t.Errorf("fields.batch_size = %v, want 500", fields["batch_size"])
	}
	if fields["ladder_index"] != float64(2) {
		t.Errorf("fields.ladder_index = %v, want 2", fields["ladder_index"])
	}
	if fields["error"] != "boom" {
		t.Errorf("fields.error = %v, want boom", fields["error"])
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name    string
		log     func(e *LogEntry)
		level   LogLevel
		message string
	}{
		{name: "debug", log: func(e *LogEntry) { e.Debug("d") }, level: LevelDebug, message: "d"},
		{name: "debugf", log: func(e *LogEntry) { e.Debugf("d%d", 1) }, level: LevelDebug, message: "d1"},
		{name: "info", log: func(e *LogEntry) { e.Info("i") }, level: LevelInfo, message: "i"},
		{name: "infof", log: func(e *LogEntry) { e.Infof("i%s", "x") }, level: LevelInfo, message: "ix"},
		{name: "warn", log: func(e *LogEntry) { e.Warn("w") }, level: LevelWarn, message: "w"},
		{name: "warnf", log: func(e *LogEntry) { e.Warnf("w%v", true) }, level: LevelWarn, message: "wtrue"},
		{name: "error", log: func(e *LogEntry) { e.Error("e") }, level: LevelError, message: "e"},
		{name: "errorf", log: func(e *LogEntry) { e.Errorf("e%d", 2) }, level: LevelError, message: "e2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewWithWriter("svc", &buf).Plain())
			got := decodeLine(t, &buf)

			if got["level"] != string(tt.level) {
				t.Errorf("level = %v, want %v", got["level"], tt.level)
			}
			if got["msg"] != tt.message {
				t.Errorf("msg = %v, want %v", got["msg"], tt.message)
			}
			if _, ok := got["fields"]; ok {
				t.Errorf("empty fields should be omitted, got %v", got["fields"])
			}
		})
	}
}

func TestDiscard(t *testing.T) {
	// Must not panic or write anywhere.
	Discard().Plain().WithField("k", "v").Info("dropped")

	var nilLogger *Logger
	entry := nilLogger.WithFields(map[string]any{"k": "v"})
	if entry.Service != defaultLogger.service {
		t.Errorf("nil logger entry service = %q, want default %q", entry.Service, defaultLogger.service)
	}
}

func TestSetDefaultService(t *testing.T) {
	original := defaultLogger.service
	defer SetDefaultService(original)

	SetDefaultService("relay-test")
	if e := Plain(); e.Service != "relay-test" {
		t.Errorf("Plain().Service = %q, want relay-test", e.Service)
	}
	if e := WithFields(map[string]any{"a": 1}); e.Service != "relay-test" || e.Fields["a"] != 1 {
		t.Errorf("WithFields() = %+v", e)
	}
	if e := WithContext(context.Background()); e.Service != "relay-test" {
		t.Errorf("WithContext().Service = %q, want relay-test", e.Service)
	}
}
