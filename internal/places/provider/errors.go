package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match them with errors.Is.
var (
	ErrTransient = errors.New("transient provider error")
	ErrFatal     = errors.New("fatal provider error")
	ErrResponse  = errors.New("malformed provider response")
)

// ErrorKind classifies a provider failure by how the caller should react.
type ErrorKind int

const (
	// KindTransient failures are retried, then skipped for that query.
	KindTransient ErrorKind = iota + 1
	// KindFatal failures (bad key, exhausted quota) abort the run.
	KindFatal
	// KindResponse failures are skipped for that query without retry.
	KindResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	case KindResponse:
		return "response"
	}
	return "unknown"
}

// Error is returned by every provider operation.
type Error struct {
	Kind       ErrorKind
	Provider   string
	Op         string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Provider, e.Op, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrTransient:
		return e.Kind == KindTransient
	case ErrFatal:
		return e.Kind == KindFatal
	case ErrResponse:
		return e.Kind == KindResponse
	}
	return false
}

func Transient(provider, op string, status int, err error) *Error {
	return &Error{Kind: KindTransient, Provider: provider, Op: op, StatusCode: status, Err: err}
}

func Fatal(provider, op string, status int, err error) *Error {
	return &Error{Kind: KindFatal, Provider: provider, Op: op, StatusCode: status, Err: err}
}

func Malformed(provider, op, format string, args ...any) *Error {
	return &Error{Kind: KindResponse, Provider: provider, Op: op, Err: fmt.Errorf(format, args...)}
}

// FromHTTPStatus classifies a non-200 HTTP response. 401 and 403 mean the key
// is bad; 429 and 5xx are worth retrying; anything else is a bad request.
func FromHTTPStatus(provider, op string, status int, body string) *Error {
	err := fmt.Errorf("unexpected status: %s", body)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return Fatal(provider, op, status, err)
	case status == http.StatusTooManyRequests || status >= 500:
		return Transient(provider, op, status, err)
	}
	return &Error{Kind: KindResponse, Provider: provider, Op: op, StatusCode: status, Err: err}
}

func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }
func IsFatal(err error) bool     { return errors.Is(err, ErrFatal) }
