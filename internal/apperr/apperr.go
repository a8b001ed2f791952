// ABOUTME: Error taxonomy shared by the auth, gateway and HTTP layers
// ABOUTME: Maps error kinds to HTTP status codes and writes JSON error bodies

package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"
)

// Kind classifies an error for callers and transports.
type Kind string

const (
	KindInvalidInput    Kind = "invalid_input"
	KindUnauthorized    Kind = "unauthorized"
	KindUnauthenticated Kind = "unauthenticated"
	KindRateLimited     Kind = "rate_limited"
	KindConflict        Kind = "conflict"
	KindNotFound        Kind = "not_found"
	KindInternal        Kind = "internal"
)

// Error carries a kind, the failing operation and a client-safe message.
// Cause is never shown to clients.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error

	// RetryAfter and Hard are only meaningful for KindRateLimited.
	RetryAfter time.Duration
	Hard       bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Kind, e.Op, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Kind, e.Op, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an error with no underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap attaches a kind to err. An err that already carries a kind is returned as-is.
func Wrap(kind Kind, op, message string, err error) *Error {
	if err == nil {
		return nil
	}

	var typed *Error
	if errors.As(err, &typed) {
		return typed
	}

	return &Error{Kind: kind, Op: op, Message: message, Cause: err}
}

// RateLimited builds a lockout error. Hard lockouts tell the operator that
// only a restart clears them.
func RateLimited(op string, retryAfter time.Duration, hard bool) *Error {
	msg := "too many failed attempts, try again later"
	if hard {
		msg = "too many failed attempts, restart the service to unlock"
	}
	return &Error{Kind: KindRateLimited, Op: op, Message: msg, RetryAfter: retryAfter, Hard: hard}
}

// KindOf returns the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to a response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized, KindUnauthenticated:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes err as {"error": "..."} with the status for its kind.
// Errors without a kind are logged and reported as a generic internal error.
func WriteJSON(w http.ResponseWriter, err error, logger *slog.Logger) {
	var typed *Error
	if !errors.As(err, &typed) || typed.Kind == KindInternal {
		if logger != nil {
			logger.Error("request failed", "error", err)
		}
		writeBody(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}

	body := map[string]any{"error": typed.Message}
	if typed.Kind == KindRateLimited {
		body["hard"] = typed.Hard
		if typed.RetryAfter > 0 {
			secs := int(math.Ceil(typed.RetryAfter.Seconds()))
			body["retryAfter"] = secs
			if !typed.Hard {
				w.Header().Set("Retry-After", strconv.Itoa(secs))
			}
		}
	}
	writeBody(w, HTTPStatus(typed.Kind), body)
}

// WriteMessage writes a plain {"error": message} body.
func WriteMessage(w http.ResponseWriter, status int, message string) {
	writeBody(w, status, map[string]any{"error": message})
}

func writeBody(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
