package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

// Keys that always carry secrets, regardless of what the caller intends.
var sensitiveKeys = map[string]struct{}{
	"passphrase":    {},
	"password":      {},
	"private_key":   {},
	"api_key":       {},
	"authorization": {},
	"token":         {},
	"secret":        {},
}

// IsSensitive reports whether key names a secret.
func IsSensitive(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	if _, ok := sensitiveKeys[normalized]; ok {
		return true
	}
	return strings.HasSuffix(normalized, "_secret") || strings.HasSuffix(normalized, "_key")
}

// MaskField returns an attribute for key that hides value when key is
// sensitive. Empty values pass through.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL strips the query string from a URL, which is where rate providers
// and RPC gateways tend to carry credentials.
func MaskURL(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		return raw[:i] + "?" + RedactedValue
	}
	return raw
}
