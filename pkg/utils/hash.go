package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// HashKey joins the parts with a unit separator and returns the hex SHA-256.
func HashKey(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(hash[:])
}

// GenerateRandomID returns the first length hex characters of a random UUID.
func GenerateRandomID(length int) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if length <= 0 || length > len(id) {
		return id
	}
	return id[:length]
}
