package email

import "strings"

// TrustedSender reports whether the From header addr matches one of
// the configured trusted addresses. Matching is on the bare address,
// case-insensitive, so "Alice <alice@example.com>" matches a trusted
// entry of "alice@example.com". An empty trusted list matches nothing:
// the inbox listener stays silent rather than open.
func TrustedSender(trusted []string, addr string) bool {
	bare := strings.ToLower(strings.TrimSpace(extractAddress(addr)))
	if bare == "" {
		return false
	}
	for _, t := range trusted {
		if strings.ToLower(strings.TrimSpace(extractAddress(t))) == bare {
			return true
		}
	}
	return false
}
