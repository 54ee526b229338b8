// Package utils provides utility functions.
package utils

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateID returns length random bytes hex-encoded, joined to prefix with
// an underscore when prefix is set.
func GenerateID(prefix string, length int) string {
	bytes := make([]byte, length)
	_, _ = rand.Read(bytes)
	id := hex.EncodeToString(bytes)
	if prefix != "" {
		return prefix + "_" + id
	}
	return id
}
