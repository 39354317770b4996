package auth

import "strings"

// redactedMarker replaces secret material in logs and client-facing text.
const redactedMarker = "[redacted]"

// Redact masks every occurrence of the given secrets in s. Empty secrets are
// ignored. Use it before logging or surfacing any message assembled from
// transport errors, which may carry tokens embedded in URLs.
func Redact(s string, secrets ...string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redactedMarker)
	}
	return s
}
