// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mobiletoly/go-fieldsync/fieldstore"
)

var (
	// ErrUnreachable marks a call that never got an HTTP response: the health
	// check failed, the connection was refused, or the call timed out.
	ErrUnreachable = errors.New("remote api unreachable")
	// ErrAuthentication is returned when a 401 persists after one token refresh.
	ErrAuthentication = errors.New("authentication failed")
	// ErrMediaNotReady is returned for a submission whose media is still uploading.
	ErrMediaNotReady = errors.New("media not ready")
	// ErrSyncCoalesced is returned by SyncAll when a cycle is already running.
	// The running cycle is followed by one more.
	ErrSyncCoalesced = errors.New("sync cycle already running, follow-up scheduled")
)

// ServerError is a non-2xx answer from the remote API.
type ServerError struct {
	StatusCode int
	Code       string
	Message    string
	Body       []byte
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d", e.StatusCode)
}

// Retryable reports whether resending the same request may succeed.
func (e *ServerError) Retryable() bool {
	switch {
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// terminal marks err as one that no retry can fix.
func terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// isStorageFailure reports errors of the local store that must stop a cycle.
func isStorageFailure(err error) bool {
	var se *fieldstore.StorageError
	return errors.As(err, &se) || errors.Is(err, fieldstore.ErrQuotaExceeded)
}

// isTerminal reports errors that fail an item without further retries.
func isTerminal(err error) bool {
	var te *terminalError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, fieldstore.ErrNotFound) || errors.Is(err, fieldstore.ErrCorruptMedia) {
		return true
	}
	var se *ServerError
	if errors.As(err, &se) {
		return !se.Retryable()
	}
	return false
}

// isRetryable reports errors worth an immediate chunk-level retry.
func isRetryable(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var se *ServerError
	return errors.As(err, &se) && se.Retryable()
}
