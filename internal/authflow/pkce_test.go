package authflow

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePKCE(t *testing.T) {
	verifiers := make(map[string]bool)
	challenges := make(map[string]bool)

	for i := 0; i < 50; i++ {
		pair, err := generatePKCE()
		require.NoError(t, err)

		// RFC 7636: verifier between 43 and 128 characters, unreserved
		// character set only.
		assert.GreaterOrEqual(t, len(pair.Verifier), 43)
		assert.LessOrEqual(t, len(pair.Verifier), 128)
		for _, c := range pair.Verifier {
			assert.True(t, isUnreserved(c), "verifier contains invalid character %c", c)
		}

		// S256 challenge is base64url(SHA256(verifier)), 43 chars, no padding.
		assert.Equal(t, "S256", pair.Method)
		assert.Len(t, pair.Challenge, 43)
		sum := sha256.Sum256([]byte(pair.Verifier))
		assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), pair.Challenge)

		assert.False(t, verifiers[pair.Verifier], "duplicate verifier")
		assert.False(t, challenges[pair.Challenge], "duplicate challenge")
		verifiers[pair.Verifier] = true
		challenges[pair.Challenge] = true
	}
}

func isUnreserved(c rune) bool {
	return (c >= 'A' && c <= 'Z') ||
		(c >= 'a' && c <= 'z') ||
		(c >= '0' && c <= '9') ||
		c == '-' || c == '.' || c == '_' || c == '~'
}

func TestComputeChallenge(t *testing.T) {
	// Fixed vector from RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	assert.Equal(t, "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM", computeChallenge(verifier))
}
