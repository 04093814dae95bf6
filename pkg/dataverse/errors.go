package dataverse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Class is the closed classification of remote failures. Retry policy keys
// off the class only.
type Class string

const (
	ClassTransient Class = "transient"
	ClassThrottled Class = "throttled"
	ClassConflict  Class = "conflict"
	ClassNotFound  Class = "not_found"
	ClassFatal     Class = "fatal"
)

// ErrCircuitOpen is returned without calling the remote API while the
// breaker is open.
var ErrCircuitOpen = errors.New("dataverse circuit breaker open")

// errorCodes maps Dataverse error codes to classes where the HTTP status
// alone is ambiguous.
var errorCodes = map[string]Class{
	"0x80072322": ClassThrottled, // service protection: number of requests
	"0x80072321": ClassThrottled, // service protection: execution time
	"0x80072326": ClassThrottled, // service protection: concurrent requests
	"0x80040237": ClassConflict,  // duplicate record
	"0x80040217": ClassNotFound,  // object does not exist
	"0x80071151": ClassTransient, // customization lock held by another operation
	"0x80044150": ClassTransient, // generic SQL timeout
}

// Error is a classified Dataverse Web API failure.
type Error struct {
	Class      Class
	StatusCode int
	Code       string
	Message    string
	Operation  string
	Err        error // underlying transport error, if any
	retryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	if e.Operation != "" {
		parts = append(parts, e.Operation)
	}
	parts = append(parts, string(e.Class))
	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("HTTP %d", e.StatusCode))
	}
	if e.Code != "" {
		parts = append(parts, e.Code)
	}
	return strings.Join(parts, " ") + ": " + e.Message
}

// Unwrap returns the underlying transport error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable implements retry.RetryableError.
func (e *Error) IsRetryable() bool {
	return e.Class == ClassTransient || e.Class == ClassThrottled
}

// ErrorClass implements retry.ClassifiedError.
func (e *Error) ErrorClass() string {
	return string(e.Class)
}

// RetryAfter implements retry.RetryAfterError.
func (e *Error) RetryAfter() time.Duration {
	return e.retryAfter
}

// Classify maps an HTTP status and Dataverse error code to a class.
func Classify(status int, code string) Class {
	if c, ok := errorCodes[strings.ToLower(code)]; ok {
		return c
	}
	switch status {
	case http.StatusTooManyRequests:
		return ClassThrottled
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable,
		http.StatusGatewayTimeout, http.StatusRequestTimeout:
		return ClassTransient
	case http.StatusConflict, http.StatusPreconditionFailed:
		return ClassConflict
	case http.StatusNotFound:
		return ClassNotFound
	default:
		return ClassFatal
	}
}

// IsClass reports whether err is a *Error of the given class.
func IsClass(err error, class Class) bool {
	var e *Error
	return errors.As(err, &e) && e.Class == class
}

// IsNotFound reports a not_found failure.
func IsNotFound(err error) bool {
	return IsClass(err, ClassNotFound)
}

// IsConflict reports a conflict (already exists) failure.
func IsConflict(err error) bool {
	return IsClass(err, ClassConflict)
}

// newResponseError builds an *Error from a failed response.
func newResponseError(op string, resp *http.Response, body []byte) *Error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)

	msg := envelope.Error.Message
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &Error{
		Class:      Classify(resp.StatusCode, envelope.Error.Code),
		StatusCode: resp.StatusCode,
		Code:       envelope.Error.Code,
		Message:    msg,
		Operation:  op,
		retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
