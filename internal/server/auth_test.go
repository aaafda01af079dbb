package server

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewerToken(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		token := SignViewerToken("user-1", testSecret)
		viewer, err := VerifyViewerToken(token, testSecret)
		require.NoError(t, err)
		assert.Equal(t, "user-1", viewer)
	})

	t.Run("viewer id containing separator", func(t *testing.T) {
		token := SignViewerToken("first.last", testSecret)
		viewer, err := VerifyViewerToken(token, testSecret)
		require.NoError(t, err)
		assert.Equal(t, "first.last", viewer)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := SignViewerToken("user-1", testSecret)
		_, err := VerifyViewerToken(token, "wrong-secret")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered viewer", func(t *testing.T) {
		token := SignViewerToken("user-1", testSecret)
		tampered := "user-2" + strings.TrimPrefix(token, "user-1")
		_, err := VerifyViewerToken(tampered, testSecret)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("truncated signature", func(t *testing.T) {
		token := SignViewerToken("user-1", testSecret)
		_, err := VerifyViewerToken(token[:len(token)-2], testSecret)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, token := range []string{"", "no-separator", ".abc", "user-1."} {
			_, err := VerifyViewerToken(token, testSecret)
			assert.ErrorIs(t, err, ErrInvalidToken, token)
		}
	})

	t.Run("empty secret", func(t *testing.T) {
		_, err := VerifyViewerToken(SignViewerToken("user-1", ""), "")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
