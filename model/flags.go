package model

import "strings"

// FlagEnabled reports whether a feature-flag env value is truthy.
// Unset and the literals "", "false", "0", "off" (case-insensitive,
// trimmed) are disabled; anything else is enabled.
func FlagEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "false", "0", "off":
		return false
	}
	return true
}
