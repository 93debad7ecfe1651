// Package token issues and hashes email-confirmation tokens. The raw token
// is handed to the caller once for the confirmation URL; only its hash is
// ever stored.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const rawTokenBytes = 32

type Service struct {
	ttl time.Duration
}

// New creates a token service. ttl matches the auto-reject age: a token
// lives exactly as long as the request would stay pending.
func New(ttl time.Duration) *Service {
	return &Service{ttl: ttl}
}

// Issue returns a fresh random token and its expiry.
func (s *Service) Issue() (raw string, expiresAt time.Time, err error) {
	b := make([]byte, rawTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", time.Time{}, fmt.Errorf("generating confirmation token: %w", err)
	}

	return hex.EncodeToString(b), time.Now().UTC().Add(s.ttl), nil
}

// Hash derives the stored lookup key from a raw token. Unsalted: the hash is
// the key itself and the input carries 256 bits of entropy.
func Hash(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
