// Package redact strips secret material from strings and maps before they
// are logged or posted to the operator alarm room.
//
// Redaction is best-effort string replacement. It is a backstop, not a
// substitute for keeping secrets out of log call-sites.
package redact

import "strings"

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with a
// placeholder. Values shorter than 4 characters are skipped so that common
// substrings are not clobbered.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with string values blanked for every key
// whose name suggests a secret. Nested maps are processed recursively so a
// materialized configuration document can be logged safely.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			if isSensitiveKey(k) && val != "" {
				out[k] = placeholder
				continue
			}
			out[k] = val
		case map[string]any:
			out[k] = Map(val)
		default:
			out[k] = v
		}
	}
	return out
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "token", "secret", "key", "credential", "auth"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
