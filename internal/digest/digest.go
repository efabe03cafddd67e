// Package digest computes the content digests shared with the visual service.
package digest

import (
	"crypto/sha512"
	"encoding/hex"
)

// Sum returns the lowercase hex SHA-512 digest of data.
//
// The service compares digests literally, so no normalization is applied.
func Sum(data []byte) string {
	sum := sha512.Sum512(data)
	return hex.EncodeToString(sum[:])
}

// SumString is Sum over the UTF-8 bytes of value.
func SumString(value string) string {
	return Sum([]byte(value))
}
