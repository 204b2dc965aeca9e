package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

const resetTokenBytes = 32

// NewResetToken generates a raw reset token and its storable digest. The raw
// value is shown to the user exactly once inside the reset link; only the
// digest is persisted.
func NewResetToken() (raw, digest string, err error) {
	buf := make([]byte, resetTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	raw = hex.EncodeToString(buf)
	return raw, DigestResetToken(raw), nil
}

// DigestResetToken computes the stored form of a raw reset token. Tokens are
// single-use and time-boxed, so a fast deterministic digest is sufficient;
// passwords go through bcrypt instead.
func DigestResetToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
