package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Verdict is the outcome of checking a password against a stored hash
type Verdict int

const (
	// VerdictMismatch means the password does not produce the stored hash
	VerdictMismatch Verdict = iota
	// VerdictMatch means the password is correct
	VerdictMatch
)

// String returns verdict name for logs
func (v Verdict) String() string {
	if v == VerdictMatch {
		return "match"
	}
	return "mismatch"
}

// Verify checks password against storedHash. Bcrypt hashes are checked with bcrypt,
// 64-char hex values are treated as unsalted sha256 digests written by older installations.
func Verify(storedHash, password string) Verdict {
	if isLegacyHash(storedHash) {
		sum := sha256.Sum256([]byte(password))
		if subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(storedHash))) == 1 {
			return VerdictMatch
		}
		return VerdictMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(storedHash), []byte(password)); err != nil {
		return VerdictMismatch
	}
	return VerdictMatch
}

// hashPassword makes bcrypt hash of the password with the given cost
func hashPassword(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", fmt.Errorf("%w: password is longer than 72 bytes", ErrValidation)
		}
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(h), nil
}

func isLegacyHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}
