package models

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random 32-char hex identifier. Used for rides, tracking
// records and respond tokens.
func NewID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
