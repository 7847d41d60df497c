package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrAuthExpired is returned when the backend rejects the bearer token
var ErrAuthExpired = errors.New("authentication expired")

// ErrUndecodableResponse is returned when the backend accepted a request with
// a 2xx status but its body could not be read. The mutation has been applied.
var ErrUndecodableResponse = errors.New("undecodable success response")

// StatusError is a non-2xx response other than 401
type StatusError struct {
	Method  string
	Path    string
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, msg)
}

// Temporary reports whether retrying the same request may succeed
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// AlreadyExists reports whether the backend refused a create because the
// rows are already there
func (e *StatusError) AlreadyExists() bool {
	return (e.Code == http.StatusBadRequest || e.Code == http.StatusConflict) &&
		strings.Contains(strings.ToLower(e.Message), "already")
}

// TransportError means the request never got an HTTP response
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// errorBody is the error envelope the backend returns. message is either a
// string or, for validation failures, a list of strings.
type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Message    any    `json:"message"`
	Error      string `json:"error"`
}

func (b errorBody) text() string {
	switch m := b.Message.(type) {
	case string:
		return m
	case []any:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	}
	return b.Error
}
