package rand

import (
	cryptoRand "crypto/rand"

	"github.com/google/uuid"
)

// Fill fills b with cryptographically-safe random data.
func Fill(b []byte) error {
	_, err := cryptoRand.Read(b)
	return err
}

// GenerateSessionID returns a UUID in string format (including hyphens).
func GenerateSessionID() string {
	return uuid.NewString()
}
