// Package http provides HTTP server and handler implementations.
//
// This file implements utilities for parsing and validating request data: the
// caller's identity, path variables, query parameters and JSON bodies.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"loanledger/internal/core"
)

const (
	// UserIDHeader identifies the caller. Authentication happens upstream.
	UserIDHeader = "X-User-ID"

	maxUserIDLength = 64
	maxBodyBytes    = 1 << 20
	dateLayout      = "2006-01-02"
)

var (
	errMissingUser = errors.New("missing " + UserIDHeader + " header")
	errEmptyBody   = errors.New("request body is empty")
)

// userID returns the sanitized caller identity.
func userID(r *http.Request) (string, error) {
	id := sanitizeInput(r.Header.Get(UserIDHeader))
	if id == "" {
		return "", errMissingUser
	}
	if len(id) > maxUserIDLength || strings.ContainsAny(id, " \t\r\n") {
		return "", fmt.Errorf("%w: invalid %s header", core.ErrInvalidArgument, UserIDHeader)
	}
	return id, nil
}

// pathUUID parses the named route variable.
func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)[name])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: invalid %s", core.ErrInvalidArgument, name)
	}
	return id, nil
}

// decodeJSON reads a single JSON object into dst, rejecting unknown fields and
// bodies larger than maxBodyBytes.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return fmt.Errorf("%w: %w", core.ErrInvalidArgument, errEmptyBody)
		case errors.As(err, &maxErr):
			return fmt.Errorf("%w: request body exceeds %d bytes", core.ErrInvalidArgument, maxErr.Limit)
		default:
			return fmt.Errorf("%w: malformed JSON: %v", core.ErrInvalidArgument, err)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must contain a single JSON object", core.ErrInvalidArgument)
	}
	return nil
}

// parseDate parses a YYYY-MM-DD date as midnight UTC.
func parseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(dateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid date %q, want YYYY-MM-DD", core.ErrInvalidArgument, s)
	}
	return t, nil
}

// parseOptionalDate returns nil for an empty string.
func parseOptionalDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := parseDate(s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryDecimal(q url.Values, key string) (decimal.Decimal, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", core.ErrInvalidArgument, key)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s must be a decimal number", core.ErrInvalidArgument, key)
	}
	return d, nil
}

// queryAmount reads a positive money amount, rounded half-up to cents.
func queryAmount(q url.Values, key string) (decimal.Decimal, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return decimal.Zero, fmt.Errorf("%w: %s is required", core.ErrInvalidArgument, key)
	}
	return parseAmount(key, v)
}

func parseAmount(key, v string) (decimal.Decimal, error) {
	d, err := core.ParseAmount(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s must be a positive amount", core.ErrInvalidArgument, key)
	}
	return d, nil
}

func queryInt(q url.Values, key string) (int, error) {
	v := strings.TrimSpace(q.Get(key))
	if v == "" {
		return 0, fmt.Errorf("%w: %s is required", core.ErrInvalidArgument, key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", core.ErrInvalidArgument, key)
	}
	return n, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
