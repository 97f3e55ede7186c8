// Package redact masks sensitive payment data before it is logged or
// persisted. Masking is irreversible; callers must redact any structure
// that might echo caller- or provider-supplied fields.
package redact

import "strings"

// Mask replaces the value of every matching key.
const Mask = "******"

// sensitiveKeys are matched as case-insensitive substrings of field names.
var sensitiveKeys = []string{
	"card_number", "cvv", "cvc", "security_code", "password", "secret",
	"token", "access_token", "api_key", "private_key", "authorization",
}

// Map returns a copy of data with every sensitive value replaced by Mask.
// Recursion applies to nested maps and slices; non-matching leaves pass
// through unchanged. Map is idempotent.
func Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	result := make(map[string]any, len(data))
	for key, value := range data {
		if sensitiveKey(key) {
			result[key] = Mask
			continue
		}
		result[key] = redactValue(value)
	}
	return result
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return Map(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = redactValue(item)
		}
		return out
	default:
		return value
	}
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
