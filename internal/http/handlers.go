package http

import (
	"context"
	"net/http"
	"time"
)

const readyTimeout = 5 * time.Second

// handleHealth performs basic liveness check
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	NewJSONResponse().JSON(map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}).Write(w)
}

// handleReady runs every registered dependency check.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	status := "ready"
	code := http.StatusOK
	checks := make(map[string]string, len(s.ready))
	for name, check := range s.ready {
		if err := check(ctx); err != nil {
			checks[name] = "failed: " + err.Error()
			status = "not_ready"
			code = http.StatusServiceUnavailable
			s.logger.WarnContext(r.Context(), "Readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}

	limiter := s.limiter.GetMetrics()
	sec := s.detector.GetMetrics()
	traced := s.tracer.GetMetrics()
	NewJSONResponse().Status(code).JSON(map[string]any{
		"status": status,
		"checks": checks,
		"metrics": map[string]int64{
			"requests_total":       traced.TotalRequests,
			"server_errors":        traced.ServerErrors,
			"avg_response_time_us": traced.AverageResponseTime,
			"rate_limited":         limiter.Rejected,
			"rate_limit_clients":   limiter.ClientCount,
			"suspicious_requests":  sec.SuspiciousRequests,
		},
	}).Write(w)
}

// handleCalculateEMI quotes the installment for ?principal, ?rate and ?term.
func (s *Server) handleCalculateEMI(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	principal, err := queryAmount(q, "principal")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	rate, err := queryDecimal(q, "rate")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	term, err := queryInt(q, "term")
	if err != nil {
		FromError(r, err).Write(w)
		return
	}

	emi, err := s.service.CalculateEMI(principal, rate, term)
	if err != nil {
		FromError(r, err).Write(w)
		return
	}
	NewJSONResponse().JSON(map[string]any{
		"principal":   principal,
		"annual_rate": rate,
		"term_months": term,
		"emi":         emi,
	}).Write(w)
}
