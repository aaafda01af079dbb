package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrInvalidToken is returned for malformed or forged viewer tokens.
var ErrInvalidToken = errors.New("invalid viewer token")

const tokenSeparator = "."

// SignViewerToken issues the bearer token for viewerID:
// "<viewerID>.<hex(HMAC-SHA256(secret, viewerID))>".
func SignViewerToken(viewerID, secret string) string {
	return viewerID + tokenSeparator + tokenSignature(viewerID, secret)
}

// VerifyViewerToken checks a bearer token and returns the viewer it was
// issued to. Uses constant-time comparison.
func VerifyViewerToken(token, secret string) (string, error) {
	if token == "" || secret == "" {
		return "", ErrInvalidToken
	}

	i := strings.LastIndex(token, tokenSeparator)
	if i <= 0 || i == len(token)-1 {
		return "", ErrInvalidToken
	}
	viewerID, sig := token[:i], token[i+1:]

	expected := tokenSignature(viewerID, secret)
	if len(sig) != len(expected) {
		return "", ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", ErrInvalidToken
	}
	return viewerID, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func tokenSignature(viewerID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(viewerID))
	return hex.EncodeToString(mac.Sum(nil))
}
