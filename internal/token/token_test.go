package token

import (
	"strings"
	"testing"
)

func TestComputeIsDeterministic(t *testing.T) {
	a := Compute("secret", "sess-1")
	b := Compute("secret", "sess-1")
	if a == "" {
		t.Fatalf("Compute returned empty token")
	}
	if a != b {
		t.Errorf("same inputs produced different tokens: %q vs %q", a, b)
	}
	if Compute("secret", "sess-2") == a {
		t.Errorf("different sessions produced the same token")
	}
	if Compute("other", "sess-1") == a {
		t.Errorf("different secrets produced the same token")
	}
	// base64url, no padding.
	if strings.ContainsAny(a, "+/=") {
		t.Errorf("token not raw-URL encoded: %q", a)
	}
}

func TestVerify(t *testing.T) {
	tok := Compute("secret", "sess-1")

	tests := []struct {
		name    string
		secret  string
		session string
		token   string
		want    bool
	}{
		{"valid", "secret", "sess-1", tok, true},
		{"wrong session", "secret", "sess-2", tok, false},
		{"wrong secret", "other", "sess-1", tok, false},
		{"tampered token", "secret", "sess-1", tok + "x", false},
		{"empty token", "secret", "sess-1", "", false},
		{"empty secret", "", "sess-1", tok, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verify(tt.secret, tt.session, tt.token); got != tt.want {
				t.Errorf("Verify() = %v, want %v", got, tt.want)
			}
		})
	}
}
