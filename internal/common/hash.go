package common

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the lowercase hex SHA-256 of data, truncated to n characters
// when 0 < n < 64.
func Digest(data []byte, n int) string {
	sum := sha256.Sum256(data)
	out := hex.EncodeToString(sum[:])
	if n > 0 && n < len(out) {
		return out[:n]
	}
	return out
}
