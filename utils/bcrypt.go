package utils

import (
	"crypto/subtle"
	"errors"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidAPIKey = errors.New("invalid api key")

func HashAPIKey(s string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
}

// CompareAPIKey checks a presented key against a plain key (constant time) or a bcrypt hash.
// The hash wins when both are configured.
func CompareAPIKey(plain, hashed, presented string) error {
	if presented == "" {
		return ErrInvalidAPIKey
	}
	if hashed != "" {
		if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(presented)) != nil {
			return ErrInvalidAPIKey
		}
		return nil
	}
	if plain == "" || subtle.ConstantTimeCompare([]byte(plain), []byte(presented)) != 1 {
		return ErrInvalidAPIKey
	}
	return nil
}
