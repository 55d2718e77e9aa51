package mcp

import (
	"strings"

	"github.com/stackmill/agentmux/internal/apierr"
	"github.com/stackmill/agentmux/internal/logger"
)

// sensitivePatterns contains substrings that indicate sensitive error details
var sensitivePatterns = []string{
	"API_KEY",
	"api_key",
	"password",
	"secret",
	"credential",
}

// internalErrorPatterns contains substrings that indicate internal errors
var internalErrorPatterns = []string{
	"failed to exec",
	"failed to start",
	"connection refused",
	"no such file",
	"broken pipe",
}

// SanitizeError returns a client-safe error message. Coded errors pass
// through unchanged; internal details are logged but not exposed.
func SanitizeError(err error, operation string) error {
	if err == nil {
		return nil
	}

	// Coded errors carry messages written for clients.
	if _, ok := apierr.CodeOf(err); ok {
		return err
	}

	errStr := err.Error()

	for _, pattern := range sensitivePatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (sensitive): %v", operation, err)
			return apierr.New(apierr.CodeInternal, "%s failed: internal configuration error", operation)
		}
	}

	for _, pattern := range internalErrorPatterns {
		if strings.Contains(strings.ToLower(errStr), strings.ToLower(pattern)) {
			logger.Error("%s failed (internal): %v", operation, err)
			return apierr.New(apierr.CodeInternal, "%s failed: internal error", operation)
		}
	}

	if isUserFacingError(errStr) {
		return err
	}

	logger.Error("%s failed: %v", operation, err)
	return apierr.New(apierr.CodeInternal, "%s failed: %s", operation, genericErrorMessage(errStr))
}

// isUserFacingError returns true if the error message is safe to show to users
func isUserFacingError(errStr string) bool {
	userFacingPatterns := []string{
		"not found",
		"already exists",
		"invalid",
		"required",
		"must be",
		"cannot be",
		"is not",
		"exceeded",
		"limit",
	}

	lower := strings.ToLower(errStr)
	for _, pattern := range userFacingPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}

// genericErrorMessage extracts a safe portion of the error or returns generic text
func genericErrorMessage(errStr string) string {
	// If it's short and doesn't contain sensitive info, it's probably safe
	if len(errStr) < 50 {
		return errStr
	}
	return "an unexpected error occurred"
}

// missingActionError formats the error for a tool call without an action.
func missingActionError(tool string, actions []string) error {
	return apierr.New(apierr.CodeInvalidArgument,
		"action is required for the %s tool (one of: %s)", tool, strings.Join(actions, ", "))
}

// actionError formats the error for an unknown action.
func actionError(tool, action string, actions []string) error {
	return apierr.New(apierr.CodeInvalidArgument,
		"unknown %s action %q (expected one of: %s)", tool, action, strings.Join(actions, ", "))
}
