package agent

// errors.go - stream error classification

import (
	"context"
	"errors"
	"strings"
)

// ErrAborted is returned by streams torn down via Close or context cancel.
var ErrAborted = errors.New("agent stream aborted")

// transientMarkers are substrings of error text that indicate a connection
// level failure worth retrying with a resume of the same transcript.
var transientMarkers = []string{
	"ECONNRESET",
	"ETIMEDOUT",
	"ECONNREFUSED",
	"ENOTFOUND",
	"EAI_AGAIN",
	"EPIPE",
	"stream ended unexpectedly",
	"socket hang up",
}

// IsTransient reports whether err looks like a retryable connection failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsAbort reports whether err resulted from deliberate cancellation rather
// than an agent failure.
func IsAbort(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(err.Error(), "AbortError")
}
