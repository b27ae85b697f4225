package netutil

import (
	"net/netip"
	"strings"
	"unicode/utf8"
)

const MaxUserAgentLength = 256

// NormalizeIP reduces a remote address, with or without a port, to its
// canonical IP form without zone identifiers. The bool reports whether the
// input parsed as an IP at all; the raw input is returned when it did not.
func NormalizeIP(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}

	candidates := []string{raw}
	if ap, err := netip.ParseAddrPort(raw); err == nil {
		return ap.Addr().WithZone("").String(), true
	}
	// "[::1]:port" with a non-numeric port, and bare "host:garbage" forms.
	if i := strings.LastIndex(raw, "]"); strings.HasPrefix(raw, "[") && i > 0 {
		candidates = append(candidates, raw[1:i])
	} else if i := strings.LastIndex(raw, ":"); i > 0 {
		candidates = append(candidates, raw[:i])
	}

	for _, c := range candidates {
		if addr, err := netip.ParseAddr(c); err == nil {
			return addr.WithZone("").String(), true
		}
	}
	return raw, false
}

// TruncateUserAgent caps a user agent at MaxUserAgentLength runes without
// splitting a multi-byte character.
func TruncateUserAgent(ua string) string {
	if utf8.RuneCountInString(ua) <= MaxUserAgentLength {
		return ua
	}
	runes := 0
	for i := range ua {
		if runes == MaxUserAgentLength {
			return ua[:i]
		}
		runes++
	}
	return ua
}
