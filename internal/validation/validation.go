// Package validation provides input validators shared by the request surface.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// ValidateSessionID checks that a caller-supplied session ID is a plausible
// opaque identifier. Session IDs are assigned by the agent process, so the
// only hard requirements are non-emptiness and the absence of control
// characters that could corrupt logs or file paths.
func ValidateSessionID(id string) error {
	if id == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	if len(id) > 256 {
		return fmt.Errorf("session ID too long: %d characters", len(id))
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("session ID contains invalid characters")
		}
	}
	return nil
}

// ValidateCwd checks that a working directory is a non-empty absolute-looking
// path. The agent process resolves it; the server only rejects obvious junk.
func ValidateCwd(cwd string) error {
	if strings.TrimSpace(cwd) == "" {
		return fmt.Errorf("cwd is required and must be a non-empty string")
	}
	return nil
}

// ValidateRequestID checks a permission request ID supplied by a caller.
func ValidateRequestID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("requestId is required")
	}
	return nil
}
