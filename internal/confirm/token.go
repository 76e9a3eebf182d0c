package confirm

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	tokenAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	tokenLength   = 24
)

// confirmRe matches a bare confirmation reply. The token is case-sensitive
// alphanumeric, at least 16 characters.
var confirmRe = regexp.MustCompile(`^confirm\s+([A-Za-z0-9]{16,})$`)

// newToken returns a cryptographically random alphanumeric token.
// 24 chars over a 62-symbol alphabet carries ~143 bits of entropy.
func newToken() (string, error) {
	out := make([]byte, 0, tokenLength)
	buf := make([]byte, tokenLength)
	for len(out) < tokenLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			// 248 is the largest multiple of 62 that fits in a byte;
			// values above it would skew the distribution.
			if b >= 248 {
				continue
			}
			out = append(out, tokenAlphabet[b%62])
			if len(out) == tokenLength {
				break
			}
		}
	}
	return string(out), nil
}

// Match extracts the token from a "confirm <token>" message. Returns ""
// when the message is anything else.
func Match(text string) string {
	m := confirmRe.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return ""
	}
	return m[1]
}
