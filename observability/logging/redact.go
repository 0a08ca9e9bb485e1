package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of sensitive fields.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"message":   {},
	"severity":  {},
	"timestamp": {},
	"error":     {},
	"reason":    {},
	"action":    {},
	"asset":     {},
	"chain":     {},
}

// IsAllowlisted reports whether the key may be emitted without redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attr whose value is redacted unless the key is
// allowlisted. Empty values pass through so absent secrets stay silent.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
