package security

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// HashAdminKey returns a bcrypt hash suitable for the admin.key-hash setting.
func HashAdminKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if len(key) < 16 {
		return "", errors.New("security: admin key must be at least 16 characters")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("security: hash admin key: %w", err)
	}
	return string(hash), nil
}

// CheckAdminKey reports whether key matches hash.
func CheckAdminKey(hash, key string) bool {
	hash = strings.TrimSpace(hash)
	key = strings.TrimSpace(key)
	if hash == "" || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
