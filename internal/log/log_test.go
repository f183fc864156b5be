package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newJSONLogger(buf *bytes.Buffer, component string) *Logger {
	return New(Config{
		Component: component,
		Handler:   slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}),
	})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{" warn ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"chatty", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestLogger_ComponentTagged(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, ComponentApp)
	logger.Info("hello", FieldLoanID, "l1")
	logger.WithComponent(ComponentExecutor).Warn("careful")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[0][FieldComponent] != ComponentApp || lines[0][FieldLoanID] != "l1" {
		t.Fatalf("first line = %v", lines[0])
	}
	if lines[1][FieldComponent] != ComponentExecutor {
		t.Fatalf("second line component = %v", lines[1][FieldComponent])
	}
}

func TestMiddleware_StoresLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newJSONLogger(&buf, ComponentHTTP)

	var got *Logger
	h := Middleware(logger)(ComponentMiddleware(ComponentLoans)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	if got == nil || got.Component() != ComponentLoans {
		t.Fatalf("handler logger = %+v", got)
	}
	if FromContext(context.Background()).Component() != "unknown" {
		t.Fatalf("empty context should yield the default logger")
	}
}

func TestStructuredLogger_HTTPEndLevel(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusInternalServerError, "ERROR"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		sl := NewStructuredLogger(newJSONLogger(&buf, ComponentApp))
		r := httptest.NewRequest(http.MethodGet, "/loans?x=1", nil)
		sl.LogHTTPEnd(context.Background(), r, "req_1", tt.status, 12, "10.0.0.1")

		lines := decodeLines(t, &buf)
		if len(lines) != 1 {
			t.Fatalf("got %d lines", len(lines))
		}
		if lines[0]["level"] != tt.level || lines[0][FieldRequestID] != "req_1" || lines[0][FieldComponent] != ComponentHTTP {
			t.Fatalf("status %d logged as %v", tt.status, lines[0])
		}
	}
}

func TestStructuredLogger_LogError(t *testing.T) {
	var buf bytes.Buffer
	sl := NewStructuredLogger(newJSONLogger(&buf, ComponentApp))
	sl.LogError(context.Background(), "payment run failed", errors.New("boom"), ComponentWorker, OpPaymentRun, nil)

	lines := decodeLines(t, &buf)
	if lines[0][FieldError] != "boom" || lines[0][FieldOperation] != OpPaymentRun || lines[0][FieldComponent] != ComponentWorker {
		t.Fatalf("error line = %v", lines[0])
	}
}
