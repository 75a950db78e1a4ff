package security

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

const tokenIDBytes = 16

// NewTokenID returns 128 bits from crypto/rand, hex encoded.
func NewTokenID() (string, error) {
	buf := make([]byte, tokenIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
