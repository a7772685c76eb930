package server

import (
	"crypto/subtle"

	"golang.org/x/oauth2"
)

// verifyPKCE reports whether verifier hashes to challenge under S256.
// The comparison is constant time.
func verifyPKCE(challenge, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	computed := oauth2.S256ChallengeFromVerifier(verifier)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}
