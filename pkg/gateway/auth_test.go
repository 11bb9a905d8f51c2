package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateChallenge(t *testing.T) {
	handler := NewAuthHandler("secret")

	first, err := handler.GenerateChallenge()
	require.NoError(t, err)
	assert.Len(t, first, 64, "32 random bytes hex encoded")

	second, err := handler.GenerateChallenge()
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifySignature(t *testing.T) {
	handler := NewAuthHandler("secret")
	challenge := "abc123"

	t.Run("valid signature", func(t *testing.T) {
		assert.True(t, handler.VerifySignature(challenge, Sign("secret", challenge)))
	})

	t.Run("wrong secret", func(t *testing.T) {
		assert.False(t, handler.VerifySignature(challenge, Sign("other", challenge)))
	})

	t.Run("garbage signature", func(t *testing.T) {
		assert.False(t, handler.VerifySignature(challenge, "not-a-signature"))
	})
}

func TestHandleAuthResponse(t *testing.T) {
	handler := NewAuthHandler("secret")

	t.Run("no challenge", func(t *testing.T) {
		sess := &Session{}
		result := handler.HandleAuthResponse(sess, "sig")
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "challenge")
	})

	t.Run("valid signature activates session", func(t *testing.T) {
		sess := &Session{challenge: "c1", state: StateAuthenticating}
		result := handler.HandleAuthResponse(sess, Sign("secret", "c1"))
		assert.True(t, result.Success)
		assert.Equal(t, StateActive, sess.state)
		assert.Empty(t, sess.challenge, "challenge is single use")
	})

	t.Run("invalid signature counts attempts", func(t *testing.T) {
		sess := &Session{challenge: "c1", state: StateAuthenticating}

		result := handler.HandleAuthResponse(sess, "bad")
		assert.False(t, result.Success)
		assert.Equal(t, 1, sess.authAttempts)

		handler.HandleAuthResponse(sess, "bad")
		result = handler.HandleAuthResponse(sess, "bad")
		assert.False(t, result.Success)
		assert.Contains(t, result.Message, "Too many failed attempts")
	})
}
