package authflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

const codeChallengeMethodS256 = "S256"

// PKCEPair binds an authorization code to the client that requested it,
// per RFC 7636.
type PKCEPair struct {
	Verifier  string
	Challenge string
	Method    string
}

// generatePKCE produces a fresh verifier/challenge pair using the S256
// method. The verifier is 43 base64url characters from 32 random bytes,
// within the RFC 7636 length bounds.
func generatePKCE() (*PKCEPair, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)

	return &PKCEPair{
		Verifier:  verifier,
		Challenge: computeChallenge(verifier),
		Method:    codeChallengeMethodS256,
	}, nil
}

// computeChallenge derives the S256 code challenge from a verifier.
func computeChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
