package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret")

func TestJWTVerifierRoundTrip(t *testing.T) {
	token, err := SignToken(testSecret, "alice", "Alice", time.Minute)
	require.NoError(t, err)

	identity, err := NewJWTVerifier(testSecret).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.UserID)
	assert.Equal(t, "Alice", identity.Name)
}

func TestJWTVerifierNameFallsBackToSubject(t *testing.T) {
	token, err := SignToken(testSecret, "alice", "", time.Minute)
	require.NoError(t, err)

	identity, err := NewJWTVerifier(testSecret).Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "alice", identity.Name)
}

func TestJWTVerifierRejects(t *testing.T) {
	verifier := NewJWTVerifier(testSecret)
	ctx := context.Background()

	t.Run("empty token", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := verifier.Verify(ctx, "not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired token", func(t *testing.T) {
		token, err := SignToken(testSecret, "alice", "Alice", -time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token, err := SignToken([]byte("other-secret"), "alice", "Alice", time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing subject", func(t *testing.T) {
		token, err := SignToken(testSecret, "", "Alice", time.Minute)
		require.NoError(t, err)

		_, err = verifier.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("unsigned token", func(t *testing.T) {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"})
		token, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)

		_, err = verifier.Verify(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestInsecureVerifier(t *testing.T) {
	identity, err := InsecureVerifier{}.Verify(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", identity.UserID)

	_, err = InsecureVerifier{}.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidToken)
}
