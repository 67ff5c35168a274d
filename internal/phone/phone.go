// Package phone validates and cleans phone numbers before they are pushed
// to the CRM. Validation never errors: invalid numbers are reported through
// the boolean so callers can filter and keep going.
package phone

import "strings"

// emergencyNumbers are short codes that must never become CRM contacts.
var emergencyNumbers = map[string]bool{
	"911": true, "100": true, "101": true, "102": true,
	"103": true, "107": true, "112": true, "110": true,
	"119": true,
}

const (
	minDigits = 5
	maxDigits = 15
)

// Clean strips whitespace, parentheses, hyphens and a single leading "+"
// from a raw phone string. It performs no validation.
func Clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch r {
		case ' ', '\t', '\n', '\r', '-', '(', ')':
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimPrefix(b.String(), "+")
}

// Normalize cleans raw and reports whether the result is an acceptable
// phone number: not an emergency short code, 5-15 digits, and not a
// carrier service code (leading "*" or "#").
func Normalize(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}

	cleaned := Clean(raw)

	if emergencyNumbers[cleaned] {
		return cleaned, false
	}

	digits := 0
	for _, r := range cleaned {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	if digits < minDigits || digits > maxDigits {
		return cleaned, false
	}

	// Service codes are dialed, never stored.
	if strings.HasPrefix(raw, "*") || strings.HasPrefix(raw, "#") {
		return cleaned, false
	}

	return cleaned, true
}
