package app

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// maxSecretLen is the longest secret bcrypt takes into account. Longer
// secrets would share a hash with their 72-byte prefix, so they are refused.
const maxSecretLen = 72

// dummyHash is compared against when a login is unknown so the response
// time does not reveal whether the principal exists.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("stalker-unknown-principal"), bcrypt.DefaultCost)

// HashSecret hashes a plaintext secret using bcrypt.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret must not be empty")
	}
	if len(secret) > maxSecretLen {
		return "", fmt.Errorf("secret must not exceed %d bytes", maxSecretLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifySecret reports whether secret matches the stored hash.
func VerifySecret(hash, secret string) bool {
	if len(secret) > maxSecretLen {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

func burnSecretCheck(secret string) {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
}
