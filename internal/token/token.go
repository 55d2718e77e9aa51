// Package token computes and verifies resume tokens.
//
// A resume token proves that a caller previously created a session through
// this server, gating resume-from-disk of sessions that have been evicted
// from memory. Tokens are deterministic per (secret, session ID) pair.
package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Compute returns the resume token for sessionID: the base64url encoding
// (unpadded) of HMAC-SHA256(secret, sessionID).
func Compute(secret, sessionID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(sessionID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether the presented token matches the expected token for
// sessionID. The comparison is constant time.
func Verify(secret, sessionID, presented string) bool {
	if secret == "" || presented == "" {
		return false
	}
	expected := Compute(secret, sessionID)
	return hmac.Equal([]byte(expected), []byte(presented))
}
