// ABOUTME: Password hashing with PBKDF2-SHA512 and constant-time verification
// ABOUTME: Produces a 64-byte derived key from a 32-byte random salt

package auth

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltSize          = 32
	derivedKeySize    = 64
	MinPasswordLength = 8
)

// PasswordHasher derives and verifies password hashes.
type PasswordHasher struct {
	iterations int
}

// NewPasswordHasher returns a hasher using the given PBKDF2 iteration count.
func NewPasswordHasher(iterations int) *PasswordHasher {
	return &PasswordHasher{iterations: iterations}
}

// Hash derives a hash for password under a fresh random salt.
func (h *PasswordHasher) Hash(password string) (hash, salt []byte, err error) {
	salt = make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, nil, fmt.Errorf("generating salt: %w", err)
	}
	return h.derive(password, salt), salt, nil
}

// Verify reports whether password matches hash under salt.
// The comparison runs in constant time.
func (h *PasswordHasher) Verify(password string, hash, salt []byte) bool {
	derived := h.derive(password, salt)
	return subtle.ConstantTimeCompare(derived, hash) == 1
}

func (h *PasswordHasher) derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, h.iterations, derivedKeySize, sha512.New)
}
