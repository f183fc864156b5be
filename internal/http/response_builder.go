// Package http provides HTTP server and handler implementations.
//
// This file implements the builder for JSON responses and the mapping from the
// domain error taxonomy to HTTP status codes.

package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"loanledger/internal/core"
	applog "loanledger/internal/log"
)

// JSONResponseBuilder provides a fluent API for building JSON responses.
type JSONResponseBuilder struct {
	statusCode int
	headers    map[string]string
	payload    any
}

// NewJSONResponse creates a new response builder with default 200 status.
func NewJSONResponse() *JSONResponseBuilder {
	return &JSONResponseBuilder{
		statusCode: http.StatusOK,
		headers:    make(map[string]string),
	}
}

// Status sets the HTTP status code for the response.
func (b *JSONResponseBuilder) Status(code int) *JSONResponseBuilder {
	b.statusCode = code
	return b
}

// Header adds a custom header to the response.
func (b *JSONResponseBuilder) Header(name, value string) *JSONResponseBuilder {
	b.headers[name] = value
	return b
}

// JSON sets the value encoded as the response body.
func (b *JSONResponseBuilder) JSON(v any) *JSONResponseBuilder {
	b.payload = v
	return b
}

// Write sends the built response. A nil payload writes no body.
func (b *JSONResponseBuilder) Write(w http.ResponseWriter) {
	for name, value := range b.headers {
		w.Header().Set(name, value)
	}
	if b.payload == nil {
		w.WriteHeader(b.statusCode)
		return
	}

	body, err := json.Marshal(b.payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":"internal","message":"failed to encode response"}}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(b.statusCode)
	_, _ = w.Write(append(body, '\n'))
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse creates a JSON error response.
func ErrorResponse(statusCode int, code, message string) *JSONResponseBuilder {
	return NewJSONResponse().
		Status(statusCode).
		JSON(errorBody{Error: errorDetail{Code: code, Message: message}})
}

// BadRequestError creates a 400 Bad Request error response.
func BadRequestError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusBadRequest, "bad_request", message)
}

// NotFoundError creates a 404 Not Found error response.
func NotFoundError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusNotFound, "not_found", message)
}

// UnauthorizedError creates a 401 Unauthorized error response.
func UnauthorizedError(message string) *JSONResponseBuilder {
	return ErrorResponse(http.StatusUnauthorized, "unauthorized", message)
}

// InternalServerError creates a 500 Internal Server Error response.
func InternalServerError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusInternalServerError, "internal", "internal server error")
}

// MethodNotAllowedError creates a 405 Method Not Allowed error response.
func MethodNotAllowedError() *JSONResponseBuilder {
	return ErrorResponse(http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

// errorCode names the business rule a 400 response violated.
func errorCode(err error) string {
	switch {
	case errors.Is(err, core.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, core.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, core.ErrDomain):
		return "domain_error"
	default:
		return "invalid_argument"
	}
}

// FromError maps a service error onto a response. Internal errors are logged with
// their detail and answered with a generic message.
func FromError(r *http.Request, err error) *JSONResponseBuilder {
	switch core.KindOf(err) {
	case core.KindNotFound:
		return NotFoundError(err.Error())
	case core.KindBusinessRule:
		return ErrorResponse(http.StatusBadRequest, errorCode(err), err.Error())
	case core.KindConflict:
		return ErrorResponse(http.StatusConflict, "conflict", err.Error())
	default:
		applog.NewStructuredLogger(applog.FromContext(r.Context())).LogError(r.Context(),
			"Request failed", err, applog.ComponentHTTP, operationFor(r.Method),
			applog.NewFields().WithHTTPRequest(r.Method, r.URL.Path, r.URL.RawQuery, r.UserAgent()))
		return InternalServerError()
	}
}

func operationFor(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return applog.OpRead
	case http.MethodPost:
		return applog.OpCreate
	default:
		return applog.OpUpdate
	}
}
