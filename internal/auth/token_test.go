package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerify(t *testing.T) {
	tokens := NewTokens("test-secret")

	token, err := tokens.Mint("u@x", time.Hour)
	require.NoError(t, err)

	userID, err := tokens.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u@x", userID)
}

func TestVerifyWrongSecret(t *testing.T) {
	token, err := NewTokens("secret-a").Mint("u@x", time.Hour)
	require.NoError(t, err)

	_, err = NewTokens("secret-b").Verify(token)
	assert.Error(t, err)
}

func TestVerifyGarbage(t *testing.T) {
	_, err := NewTokens("secret").Verify("not-a-token")
	assert.Error(t, err)
}

func TestMintRequiresUser(t *testing.T) {
	_, err := NewTokens("secret").Mint("", 0)
	assert.Error(t, err)
}

func TestExpiredToken(t *testing.T) {
	tokens := NewTokens("secret")
	token, err := tokens.Mint("u@x", -time.Minute)
	require.NoError(t, err)

	_, err = tokens.Verify(token)
	assert.Error(t, err)
}
