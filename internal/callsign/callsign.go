// Package callsign owns amateur-radio callsign validation.
//
// Ownership boundary:
// - callsign grammar (prefix + optional SSID)
// - canonical uppercase form
package callsign

import (
	"regexp"
	"strings"
)

// Grammar: one or two alphanumerics, a digit, one to four letters,
// optionally followed by -SSID in 0..15. The first one or two characters
// must contain at least one letter, so purely numeric prefixes are invalid.
var callsignPattern = regexp.MustCompile(`^([A-Z0-9]{1,2}[0-9][A-Z]{1,4})(?:-([0-9]|1[0-5]))?$`)

// IsValid reports whether raw is a well-formed callsign with optional SSID.
// Matching is case-insensitive against the whole token.
func IsValid(raw string) bool {
	m := callsignPattern.FindStringSubmatch(strings.ToUpper(raw))
	if m == nil {
		return false
	}
	prefix := m[1]
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return strings.ContainsAny(prefix, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
}

// Normalize returns the canonical uppercase form of a callsign token.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}
