package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 128-bit random request identifier in hex.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
