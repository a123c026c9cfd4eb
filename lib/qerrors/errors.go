/*
Copyright 2025 querykit Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package qerrors implements the engine's error taxonomy (spec §7): a
// small discriminated variant carrying a classification and the retry
// metadata the executor and observers need, wrapping
// github.com/gravitational/trace for causal chains instead of plain
// fmt.Errorf.
package qerrors

import (
	"errors"
	"fmt"
	"time"

	"github.com/gravitational/trace"
)

// Kind classifies an error for retry and presentation purposes. It is a
// classification, not a literal wire error code.
type Kind string

const (
	Network       Kind = "network"
	Timeout       Kind = "timeout"
	Offline       Kind = "offline"
	BadRequest    Kind = "bad_request"
	Unauthorized  Kind = "unauthorized"
	Forbidden     Kind = "forbidden"
	NotFound      Kind = "not_found"
	Conflict      Kind = "conflict"
	ServerError   Kind = "server_error"
	Validation    Kind = "validation"
	ParseError    Kind = "parse_error"
	SelectorError Kind = "selector_error"
	Cancelled     Kind = "cancelled"
	Unknown       Kind = "unknown"
)

// nonRetryable holds the kinds that bypass retry regardless of
// remaining attempts (spec §7 propagation policy).
var nonRetryable = map[Kind]bool{
	BadRequest:   true,
	Unauthorized: true,
	Forbidden:    true,
	NotFound:     true,
	Conflict:     true,
	Validation:   true,
}

// Error is the engine's error variant. It always wraps an underlying
// cause (possibly nil for synthesized errors) via trace.Wrap so the
// stack trace of the originating site is preserved.
type Error struct {
	Kind       Kind
	StatusCode int
	URL        string
	QueryKey   string
	RetryCount int
	Timestamp  time.Time
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the retry loop is allowed to attempt this
// error again. Cancelled is never retryable and is handled specially by
// callers (it must not be surfaced as an observer error at all).
func (e *Error) Retryable() bool {
	if e.Kind == Cancelled {
		return false
	}
	return !nonRetryable[e.Kind]
}

// New wraps cause (which may be nil) into a classified engine error and
// stamps it with the given query key and retry count.
func New(kind Kind, cause error, queryKey string, retryCount int) *Error {
	var wrapped error
	if cause != nil {
		wrapped = trace.Wrap(cause)
	}
	return &Error{
		Kind:       kind,
		QueryKey:   queryKey,
		RetryCount: retryCount,
		Timestamp:  timeNow(),
		Cause:      wrapped,
	}
}

// WithStatusCode attaches an HTTP-ish status code, returning e for
// chaining.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithURL attaches the remote URL that produced the error.
func (e *Error) WithURL(url string) *Error {
	e.URL = url
	return e
}

// ClassifyHTTPStatus maps a status code onto a Kind, the way a
// transport-facing caller would classify a response before handing the
// error to the core (the core itself performs no HTTP of its own, per
// spec §6).
func ClassifyHTTPStatus(code int) Kind {
	switch {
	case code == 400:
		return BadRequest
	case code == 401:
		return Unauthorized
	case code == 403:
		return Forbidden
	case code == 404:
		return NotFound
	case code == 409:
		return Conflict
	case code == 408:
		return Timeout
	case code >= 500:
		return ServerError
	default:
		return Unknown
	}
}

// IsRetryable reports whether err (an arbitrary error, not necessarily
// *Error) should be retried. Unclassified errors default to retryable,
// matching the spec's "all other failures" clause.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

// IsCancelled reports whether err represents cancellation, in which
// case retry must not run and observers must treat it as a no-op
// rather than an error (spec §7).
func IsCancelled(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == Cancelled
	}
	return false
}

// timeNow is indirected so tests can pin it; production always uses
// wall time since the Timestamp field is purely diagnostic (the engine
// proper always threads a clockwork.Clock for behavior-affecting
// reads).
var timeNow = time.Now
