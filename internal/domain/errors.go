package domain

import (
	"errors"
	"fmt"
)

// ErrorKind tags a task failure. The tag decides the broker disposition:
// terminal kinds are acknowledged, transient kinds are left for redelivery.
type ErrorKind string

const (
	ErrKindInvalidTask     ErrorKind = "invalid_task"
	ErrKindUnsupportedTask ErrorKind = "unsupported_task"
	ErrKindMissingCookie   ErrorKind = "missing_cookie"
	ErrKindProviderError   ErrorKind = "provider_error"
	ErrKindHTTP4xx         ErrorKind = "http_error_4xx"
	ErrKindHTTP5xx         ErrorKind = "http_error_5xx"
	ErrKindTimeout         ErrorKind = "timeout"
	ErrKindNetworkError    ErrorKind = "network_error"
	ErrKindProxyError      ErrorKind = "proxy_error"
	ErrKindCancelled       ErrorKind = "cancelled"
	ErrKindInternal        ErrorKind = "internal_error"
)

// Terminal reports whether the kind is acknowledged rather than redelivered.
func (k ErrorKind) Terminal() bool {
	switch k {
	case ErrKindInvalidTask, ErrKindUnsupportedTask, ErrKindMissingCookie,
		ErrKindProviderError, ErrKindHTTP4xx:
		return true
	}
	return false
}

// Transient is the complement of Terminal for non-empty kinds.
func (k ErrorKind) Transient() bool {
	return k != "" && !k.Terminal()
}

// CrawlError is the typed failure produced by the execution pipeline.
type CrawlError struct {
	Kind       ErrorKind
	Detail     string
	StatusCode int
	Err        error
}

func (e *CrawlError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *CrawlError) Unwrap() error { return e.Err }

// NewCrawlError builds a CrawlError with a formatted detail message.
func NewCrawlError(kind ErrorKind, format string, args ...any) *CrawlError {
	return &CrawlError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapCrawlError attaches a kind to an underlying error.
func WrapCrawlError(kind ErrorKind, err error) *CrawlError {
	if err == nil {
		return &CrawlError{Kind: kind}
	}
	return &CrawlError{Kind: kind, Detail: err.Error(), Err: err}
}

// KindOf extracts the ErrorKind from err, defaulting to internal_error for
// untyped failures.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrKindInternal
}

// StatusOf extracts the HTTP status carried by err, if any.
func StatusOf(err error) int {
	var ce *CrawlError
	if errors.As(err, &ce) {
		return ce.StatusCode
	}
	return 0
}
