package trace

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	applog "loanledger/internal/log"
)

func newTestMiddleware(buf *bytes.Buffer) *Middleware {
	logger := applog.New(applog.Config{Handler: slog.NewJSONHandler(buf, nil)})
	return NewMiddleware(logger, func(*http.Request) string { return "10.1.2.3" })
}

func TestMiddlewareGeneratesAndPropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMiddleware(&buf)

	var seen string
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/loans", nil))

	if !strings.HasPrefix(seen, "req_") {
		t.Fatalf("request id in context = %q", seen)
	}
	if got := rr.Header().Get(RequestIDHeader); got != seen {
		t.Fatalf("response header %q, context %q", got, seen)
	}
	if !strings.Contains(buf.String(), `"status_code":418`) {
		t.Fatalf("completion log missing status: %s", buf.String())
	}
	if got := m.GetMetrics().TotalRequests; got != 1 {
		t.Fatalf("TotalRequests = %d", got)
	}
}

func TestMiddlewareRequestIDHeader(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		reuse    bool
	}{
		{"well formed", "abc-123_x.y", true},
		{"injection", "abc\nforged", false},
		{"too long", strings.Repeat("a", maxRequestIDLength+1), false},
		{"absent", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			h := newTestMiddleware(&buf).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			got := rr.Header().Get(RequestIDHeader)
			if (got == tt.incoming) != tt.reuse {
				t.Fatalf("request id = %q, incoming %q, reuse %v", got, tt.incoming, tt.reuse)
			}
		})
	}
}

func TestMiddlewareCountsServerErrors(t *testing.T) {
	var buf bytes.Buffer
	m := newTestMiddleware(&buf)
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/x", nil))

	if got := m.GetMetrics().ServerErrors; got != 1 {
		t.Fatalf("ServerErrors = %d", got)
	}
	if !strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Fatalf("5xx not logged at error level: %s", buf.String())
	}
}
