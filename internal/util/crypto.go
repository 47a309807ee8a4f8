package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is a short stable identifier of key material, safe to log.
func Fingerprint(data string) string {
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:8])
}
