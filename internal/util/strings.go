package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// TokenLogLength is how many characters of a token may appear in logs.
const TokenLogLength = 8

// SafeTruncate returns at most maxLen bytes of s. Negative maxLen yields "".
//
//	SafeTruncate("very-long-token-abc123", 8) // "very-lon"
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HashToken returns the hex SHA-256 of token. Access tokens are only ever
// persisted as this hash.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// NormalizeURL removes trailing slashes so base URLs can be joined with paths.
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
