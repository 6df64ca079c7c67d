// Copyright (C) 2026 UrbanKey Technologies (engineering@urbankey.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package client

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNoChatID is the local precondition failure for operations that
// need a chat id. Checked before any network call is issued; nothing
// is rolled back because nothing was optimistically applied.
var ErrNoChatID = errors.New("no active chat id")

// APIError is a non-success response from the chat backend.
//
// # Description
//
// Carries the server-provided message when present, a generic fallback
// otherwise. StatusCode 0 means transport failure (no response at
// all). Rollback treats every variant identically; only display and
// retry policy differ: rejections (4xx) surface the server text
// verbatim and are never retried, faults (5xx) and transport failures
// may be retried by explicit user action.
type APIError struct {
	StatusCode int
	Message    string
	Err        error // underlying transport error, if any
}

// Error implements the error interface.
func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0 && e.Err != nil:
		return fmt.Sprintf("chat request failed: %v", e.Err)
	case e.Message != "":
		return fmt.Sprintf("chat request failed (%d): %s", e.StatusCode, e.Message)
	default:
		return fmt.Sprintf("chat request failed (%d)", e.StatusCode)
	}
}

// Unwrap exposes the underlying transport error to errors.Is/As.
func (e *APIError) Unwrap() error { return e.Err }

// Transport reports whether no response was received at all.
func (e *APIError) Transport() bool { return e.StatusCode == 0 }

// Rejection reports a 4xx server rejection (bad input, invalid chat
// reference). Not retried; the message is shown verbatim.
func (e *APIError) Rejection() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}

// Fault reports a 5xx server fault.
func (e *APIError) Fault() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// transportError wraps a failure to reach the server.
func transportError(err error) *APIError {
	return &APIError{Err: err}
}

// serverError builds an APIError from a non-success response.
func serverError(status int, message string) *APIError {
	if message == "" {
		message = "the chat service returned an error"
	}
	return &APIError{StatusCode: status, Message: message}
}
