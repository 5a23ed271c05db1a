package utils

import "strings"

// NormalizePhone reduces a mobile-money number to digits only. The number
// must carry a country-code prefix: 10 to 13 digits, no leading zero.
func NormalizePhone(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-':
			// separators are dropped
		default:
			return "", false
		}
	}

	n := b.String()
	if len(n) < 10 || len(n) > 13 || n[0] == '0' {
		return "", false
	}
	return n, true
}
