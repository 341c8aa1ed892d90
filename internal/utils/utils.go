package utils

import "strings"

// NormalizeIdentifier maps a name to a valid identifier: letters, digits and
// underscores only, with a leading underscore added when the name starts with
// a digit. Invalid characters become underscores.
func NormalizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	normalized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, name)
	if name[0] >= '0' && name[0] <= '9' {
		normalized = "_" + normalized
	}
	return normalized
}
