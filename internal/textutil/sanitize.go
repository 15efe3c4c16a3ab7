package textutil

import "strings"

// SanitizeToken converts a string to a lowercase filesystem-safe token.
// Stage names pass through it before they become part of a file name.
// Letters are lowercased, digits and hyphens/underscores are kept, everything
// else becomes an underscore. Returns "unknown" for empty input.
func SanitizeToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "_-")
	if out == "" {
		return "unknown"
	}
	return out
}
