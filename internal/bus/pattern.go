package bus

import (
	"regexp"
	"strings"
)

// compilePattern translates a subscription pattern into an anchored regexp.
// "." is a literal segment separator and "*" matches any run of characters,
// so "alert.*" matches "alert.email.urgent" and "*" matches everything.
// Compiled once at subscribe time.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	return regexp.Compile("^" + strings.Join(parts, ".*") + "$")
}
