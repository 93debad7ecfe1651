package auth

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

const (
	temporaryPasswordLen = 16
	passwordRetries      = 3
)

// ErrNoUsablePassword means generation could not produce a password distinct
// from the hash already stored for the account.
var ErrNoUsablePassword = errors.New("could not generate a usable password")

// Alphanumerics only; temporary passwords get read out of emails and typed.
const passwordAlphabet = "abcdefghijkmnpqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ23456789"

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}

func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateTemporaryPassword returns a random password that does not already
// validate against currentHash. The collision is vanishingly unlikely, but a
// password that happens to match whatever is stored would silently grant
// access, so it is checked and regeneration retried.
func GenerateTemporaryPassword(currentHash string) (string, error) {
	for range passwordRetries {
		password, err := randomPassword(temporaryPasswordLen)
		if err != nil {
			return "", err
		}
		if currentHash != "" && VerifyPassword(currentHash, password) {
			continue
		}
		return password, nil
	}

	return "", ErrNoUsablePassword
}

func randomPassword(length int) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generating random password: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}
