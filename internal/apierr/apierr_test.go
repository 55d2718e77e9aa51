package apierr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorTextForm(t *testing.T) {
	err := New(CodeSessionBusy, "Session %s is currently processing another request", "abc")
	want := "Error [SESSION_BUSY]: Session abc is currently processing another request"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if Text(CodeTimeout, "too slow") != "Error [TIMEOUT]: too slow" {
		t.Errorf("Text() = %q", Text(CodeTimeout, "too slow"))
	}
}

func TestCodeOf(t *testing.T) {
	err := New(CodeSessionNotFound, "gone")

	code, ok := CodeOf(err)
	if !ok || code != CodeSessionNotFound {
		t.Errorf("CodeOf = %q/%v", code, ok)
	}

	wrapped := fmt.Errorf("handler: %w", err)
	code, ok = CodeOf(wrapped)
	if !ok || code != CodeSessionNotFound {
		t.Errorf("CodeOf(wrapped) = %q/%v", code, ok)
	}

	if _, ok := CodeOf(errors.New("plain")); ok {
		t.Errorf("CodeOf matched an uncoded error")
	}
	if _, ok := CodeOf(nil); ok {
		t.Errorf("CodeOf matched nil")
	}
}

func TestHasCode(t *testing.T) {
	err := New(CodeInvalidArgument, "bad input")
	if !HasCode(err, CodeInvalidArgument) {
		t.Errorf("HasCode missed the error's own code")
	}
	if HasCode(err, CodeInternal) {
		t.Errorf("HasCode matched the wrong code")
	}
	if HasCode(errors.New("plain"), CodeInternal) {
		t.Errorf("HasCode matched an uncoded error")
	}
}
