package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

const (
	refreshSecretSize = 32
	stampSize         = 16
)

// ErrMalformedRefreshToken is returned for strings that are not a base64url
// encoded refresh secret of the expected size.
var ErrMalformedRefreshToken = errors.New("malformed refresh token")

// NewRefreshToken returns an opaque refresh secret and its SHA-256 hash. Only
// the hash may be persisted.
func NewRefreshToken() (string, [32]byte, error) {
	var secret [refreshSecretSize]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return "", [32]byte{}, err
	}
	return base64.RawURLEncoding.EncodeToString(secret[:]), sha256.Sum256(secret[:]), nil
}

// HashRefreshToken decodes token and returns the hash stored for it.
func HashRefreshToken(token string) ([32]byte, error) {
	if len(token) != base64.RawURLEncoding.EncodedLen(refreshSecretSize) {
		return [32]byte{}, ErrMalformedRefreshToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != refreshSecretSize {
		return [32]byte{}, ErrMalformedRefreshToken
	}
	return sha256.Sum256(raw), nil
}

// NewSecurityStamp returns a random hex stamp.
func NewSecurityStamp() (string, error) {
	var b [stampSize]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}
