package password

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Hasher is the contract the engine depends on.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encodedHash string) (bool, error)
	NeedsUpgrade(encodedHash string) (bool, error)
}

// Verifier hashes with Argon2id and verifies both Argon2id and legacy
// bcrypt hashes.
type Verifier struct {
	primary *Argon2
	dummy   string
}

// NewVerifier returns a Verifier over primary.
func NewVerifier(primary *Argon2) (*Verifier, error) {
	if primary == nil {
		return nil, errors.New("password: primary hasher is required")
	}
	dummy, err := primary.Hash("dummy-password-for-timing")
	if err != nil {
		return nil, err
	}
	return &Verifier{primary: primary, dummy: dummy}, nil
}

func isBcrypt(encoded string) bool {
	return strings.HasPrefix(encoded, "$2a$") ||
		strings.HasPrefix(encoded, "$2b$") ||
		strings.HasPrefix(encoded, "$2y$")
}

func (v *Verifier) Hash(password string) (string, error) {
	return v.primary.Hash(password)
}

func (v *Verifier) Verify(password, encodedHash string) (bool, error) {
	if !isBcrypt(encodedHash) {
		return v.primary.Verify(password, encodedHash)
	}
	if len(password) > v.primary.config.MaxPasswordBytes {
		return false, ErrPasswordTooLong
	}
	err := bcrypt.CompareHashAndPassword([]byte(encodedHash), []byte(password))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, err
	}
}

func (v *Verifier) NeedsUpgrade(encodedHash string) (bool, error) {
	if isBcrypt(encodedHash) {
		return true, nil
	}
	return v.primary.NeedsUpgrade(encodedHash)
}

// VerifyDummy spends the same work as a real verification. Callers use it
// when the user does not exist so response timing does not reveal that.
func (v *Verifier) VerifyDummy(password string) {
	_, _ = v.primary.Verify(password, v.dummy)
}
