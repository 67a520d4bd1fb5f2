// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package deltasync

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrNoChanges is returned by WaitForChanges when PollMaxAttempts is exhausted
	// without the remote cursor moving.
	ErrNoChanges = errors.New("no changes observed")

	// ErrResyncLimit is returned when the server keeps invalidating the cursor.
	ErrResyncLimit = errors.New("full resync limit reached")
)

// TransportError reports a failed round trip (DNS, connect, timeout, truncated body).
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RemoteError reports a non-2xx response from the delta endpoint.
type RemoteError struct {
	StatusCode int
	Code       string        // error.code from the response envelope, if any
	Message    string        // error.message from the response envelope, if any
	Body       []byte        // raw response body
	RetryAfter time.Duration // parsed Retry-After header, zero when absent
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned status %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, string(e.Body))
}

// CursorExpired reports whether the server rejected the presented cursor and a full
// resync is required.
func (e *RemoteError) CursorExpired() bool {
	if e.StatusCode == http.StatusGone {
		return true
	}
	switch e.Code {
	case CodeSyncStateNotFound, CodeSyncStateInvalid, CodeResyncRequired:
		return true
	}
	return false
}

// Retryable reports throttling and server-side failures.
func (e *RemoteError) Retryable() bool {
	if e.CursorExpired() {
		return false
	}
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// ProtocolError reports a response that violates the delta-query contract.
// It is never retried.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ApplyError wraps a failure of the local sink. The cursor is not advanced when it occurs.
type ApplyError struct {
	ID  string
	Err error
}

func (e *ApplyError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("failed to apply page: %v", e.Err)
	}
	return fmt.Sprintf("failed to apply change %s: %v", e.ID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// IsCursorExpired reports whether err carries a cursor-expired RemoteError.
func IsCursorExpired(err error) bool {
	var remoteErr *RemoteError
	return errors.As(err, &remoteErr) && remoteErr.CursorExpired()
}

// IsRetryable reports whether err is transient: a transport failure, throttling or a
// server error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return true
	}
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.Retryable()
	}
	return false
}

// retryAfter returns the server-requested minimum wait carried by err, if any.
func retryAfter(err error) time.Duration {
	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) {
		return remoteErr.RetryAfter
	}
	return 0
}
