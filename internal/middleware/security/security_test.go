package security

import (
	"crypto/tls"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name    string
		remote  string
		xff     string
		realIP  string
		want    string
		invalid int64
	}{
		{"direct peer", "203.0.113.7:4000", "", "", "203.0.113.7", 0},
		{"untrusted peer ignores forwarded", "203.0.113.7:4000", "198.51.100.1", "", "203.0.113.7", 0},
		{"trusted proxy forwarded for", "10.0.0.2:80", "198.51.100.1, 10.0.0.2", "", "198.51.100.1", 0},
		{"trusted proxy real ip", "127.0.0.1:80", "", "198.51.100.9", "198.51.100.9", 0},
		{"trusted proxy garbage", "192.168.1.1:80", "not-an-ip", "", "192.168.1.1", 1},
		{"unparseable remote", "pipe", "", "", "pipe", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDetector()
			r := httptest.NewRequest(http.MethodGet, "/loans", nil)
			r.RemoteAddr = tt.remote
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				r.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := d.ExtractClientIP(r); got != tt.want {
				t.Fatalf("ExtractClientIP = %q, want %q", got, tt.want)
			}
			if got := d.GetMetrics().InvalidIPAttempts; got != tt.invalid {
				t.Fatalf("InvalidIPAttempts = %d, want %d", got, tt.invalid)
			}
		})
	}
}

func TestDetectSuspiciousRequest(t *testing.T) {
	tests := []struct {
		name   string
		method string
		target string
		agent  string
		want   bool
	}{
		{"plain api call", http.MethodGet, "/loans?status=ACTIVE", "curl/8.0", false},
		{"path traversal", http.MethodGet, "/loans/../../etc/passwd", "", true},
		{"scan in query", http.MethodGet, "/loans?file=.env", "", true},
		{"scanner agent", http.MethodGet, "/", "sqlmap/1.7", true},
		{"trace method", "TRACE", "/", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, tt.target, nil)
			if tt.agent != "" {
				r.Header.Set("User-Agent", tt.agent)
			}
			if got := NewDetector().DetectSuspiciousRequest(r); got != tt.want {
				t.Fatalf("DetectSuspiciousRequest = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectorMiddlewareBlocks(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })

	for _, block := range []bool{false, true} {
		rr := httptest.NewRecorder()
		NewDetector().Middleware(block)(next).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/.git/config", nil))
		want := http.StatusOK
		if block {
			want = http.StatusBadRequest
		}
		if rr.Code != want {
			t.Fatalf("block=%v: status %d, want %d", block, rr.Code, want)
		}
	}
}

func TestHeadersMiddleware(t *testing.T) {
	h := NewHeadersMiddleware(DefaultHeadersConfig()).Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/loans", nil))
	for _, name := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(name) == "" {
			t.Fatalf("missing %s", name)
		}
	}
	if rr.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS set on plain HTTP")
	}

	req := httptest.NewRequest(http.MethodGet, "/loans", nil)
	req.TLS = &tls.ConnectionState{}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Strict-Transport-Security"); got != "max-age=31536000; includeSubDomains" {
		t.Fatalf("HSTS = %q", got)
	}
}
