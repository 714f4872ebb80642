package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndVerify(t *testing.T) {
	token, hash, err := GenerateToken()
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEqual(t, token, hash)

	v := NewVerifier(hash)
	assert.True(t, v.Enabled())
	assert.NoError(t, v.Verify(token))
	assert.ErrorIs(t, v.Verify("wrong"), ErrInvalidToken)
	assert.ErrorIs(t, v.Verify(""), ErrMissingToken)
}

func TestVerifierWithoutHash(t *testing.T) {
	v := NewVerifier("")
	assert.False(t, v.Enabled())
	assert.ErrorIs(t, v.Verify("anything"), ErrNoTokenHash)
}

func TestHashTokenRejectsEmpty(t *testing.T) {
	_, err := HashToken("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"":             "",
		"Bearer":       "",
	}
	for header, want := range tests {
		assert.Equal(t, want, BearerToken(header), header)
	}
}
