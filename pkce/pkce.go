// Package pkce generates the proof key material for the authorization code
// flow: the code verifier, its S256 challenge, and the CSRF state value.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	DefaultVerifierLength = 96
	DefaultStateLength    = 48
)

// charset is the RFC 3986 unreserved alphabet.
const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// Reader is the entropy source. Tests may replace it.
var Reader io.Reader = rand.Reader

// GenerateVerifier returns a random code verifier of exactly length characters.
func GenerateVerifier(length int) (string, error) {
	return randomString(length)
}

// GenerateState returns a random state value of exactly length characters.
func GenerateState(length int) (string, error) {
	return randomString(length)
}

// DeriveChallenge computes the S256 code challenge for verifier.
func DeriveChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func randomString(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("pkce: length must be positive, got %d", length)
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(Reader, buf); err != nil {
		return "", fmt.Errorf("pkce: read random: %w", err)
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = charset[int(b)%len(charset)]
	}
	return string(out), nil
}
