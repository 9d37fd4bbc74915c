// Package redact removes secrets from payloads, headers, and log output
// before they reach storage, events, or logs.
package redact

import (
	"regexp"
	"strings"
)

// Placeholder replaces redacted values.
const Placeholder = "[REDACTED]"

// secretKeyPatterns match field names whose values must never be stored
// or logged in the clear. Matching is case-insensitive and substring
// based ("db_password" matches "password").
var secretKeyPatterns = compile([]string{
	`password`,
	`passwd`,
	`secret`,
	`api[_-]?key`,
	`apikey`,
	`token`,
	`auth[_-]?token`,
	`access[_-]?token`,
	`refresh[_-]?token`,
	`credential`,
	`private[_-]?key`,
	`privatekey`,
	`apisecret`,
	`client[_-]?secret`,
	`bearer`,
	`authorization`,
	`x-api-key`,
	`x-auth-token`,
})

func compile(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(`(?i)`+p))
	}
	return compiled
}

// SecretKey reports whether a field name looks like it holds a secret.
func SecretKey(key string) bool {
	for _, re := range secretKeyPatterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

// Map returns a copy of data with every value under a secret-looking key
// replaced by the placeholder, recursing through nested maps and slices.
// The input is never mutated.
func Map(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for key, value := range data {
		if SecretKey(key) {
			switch value.(type) {
			case map[string]any, []any:
				// Keep structure but still scrub nested secrets.
				out[key] = redactValue(value)
			default:
				out[key] = Placeholder
			}
			continue
		}
		out[key] = redactValue(value)
	}
	return out
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

// sensitiveHeaders are masked rather than fully redacted so operators can
// still correlate which credential was used.
var sensitiveHeaders = []string{
	"authorization",
	"x-api-key",
	"x-auth-token",
	"api-key",
	"apikey",
}

// Headers returns a copy of headers safe for logging: sensitive header
// values keep a short prefix and are otherwise masked.
func Headers(headers map[string]string) map[string]string {
	masked := make(map[string]string, len(headers))
	for key, value := range headers {
		lower := strings.ToLower(key)
		sensitive := false
		for _, h := range sensitiveHeaders {
			if strings.Contains(lower, h) {
				sensitive = true
				break
			}
		}
		if sensitive {
			masked[key] = MaskSecret(value)
		} else {
			masked[key] = value
		}
	}
	return masked
}

// MaskSecret keeps the first four characters of a secret and masks the
// rest. Short secrets are fully masked.
func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + strings.Repeat("*", 8)
}
