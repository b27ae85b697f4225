package netutil

import (
	"strings"
	"testing"
)

func TestNormalizeIP(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
		ok       bool
	}{
		{name: "ipv4 with port", input: "198.51.100.7:52110", expected: "198.51.100.7", ok: true},
		{name: "plain ipv4", input: "203.0.113.9", expected: "203.0.113.9", ok: true},
		{name: "ipv6 with port", input: "[2001:db8::1]:443", expected: "2001:db8::1", ok: true},
		{name: "plain ipv6", input: "2001:db8::5", expected: "2001:db8::5", ok: true},
		{name: "ipv6 zone stripped", input: "fe80::1%eth0", expected: "fe80::1", ok: true},
		{name: "bracketed ipv6 textual port", input: "[::1]:port", expected: "::1", ok: true},
		{name: "surrounding whitespace", input: "  10.0.0.1  ", expected: "10.0.0.1", ok: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NormalizeIP(tc.input)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if got != tc.expected {
				t.Fatalf("expected %q, got %q", tc.expected, got)
			}
		})
	}
}

func TestNormalizeIPInvalid(t *testing.T) {
	for _, input := range []string{"", "not-an-ip", "example.com:443"} {
		if got, ok := NormalizeIP(input); ok {
			t.Fatalf("expected %q to fail, got %q", input, got)
		}
	}
}

func TestTruncateUserAgent(t *testing.T) {
	short := "relayclient/1.0"
	if got := TruncateUserAgent(short); got != short {
		t.Fatalf("short agent modified: %q", got)
	}

	long := strings.Repeat("é", MaxUserAgentLength+20)
	got := TruncateUserAgent(long)
	if n := len([]rune(got)); n != MaxUserAgentLength {
		t.Fatalf("expected %d runes, got %d", MaxUserAgentLength, n)
	}
	if !strings.HasPrefix(long, got) {
		t.Fatalf("truncation broke a rune boundary")
	}
}
