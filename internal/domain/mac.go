package domain

import "strings"

// NormalizeMac lower-cases a MAC address and rewrites it as colon-separated pairs.
// Inputs that do not contain exactly 12 hex digits are only trimmed and lower-cased.
func NormalizeMac(mac string) string {
	mac = strings.ToLower(strings.TrimSpace(mac))
	if mac == "" {
		return ""
	}

	digits := make([]byte, 0, 12)
	for i := 0; i < len(mac); i++ {
		c := mac[i]
		switch {
		case c == ':' || c == '-' || c == '.':
			continue
		case (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f'):
			digits = append(digits, c)
		default:
			return mac
		}
	}
	if len(digits) != 12 {
		return mac
	}

	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.Write(digits[i : i+2])
	}
	return b.String()
}
