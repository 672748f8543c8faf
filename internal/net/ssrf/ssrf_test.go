package ssrf

import (
	"context"
	"net/netip"
	"testing"
)

func TestIsForbiddenIP(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1", true},
		{"127.255.255.254", true},
		{"10.0.0.1", true},
		{"192.168.1.1", true},
		{"172.16.0.1", true},
		{"172.31.255.255", true},
		{"169.254.169.254", true}, // cloud metadata
		{"100.64.0.1", true},      // carrier-grade NAT
		{"100.127.255.254", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true}, // multicast
		{"::1", true},
		{"::", true},
		{"fe80::1", true},
		{"fd00::1", true},
		{"::ffff:192.168.1.1", true}, // IPv4-mapped private
		{"8.8.8.8", false},
		{"1.1.1.1", false},
		{"172.32.0.1", false},
		{"100.128.0.1", false},
		{"2001:4860:4860::8888", false},
	}
	for _, tt := range tests {
		addr, err := netip.ParseAddr(tt.addr)
		if err != nil {
			t.Fatalf("parse %q: %v", tt.addr, err)
		}
		if got := IsForbiddenIP(addr); got != tt.want {
			t.Errorf("IsForbiddenIP(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIsBlockedHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"LOCALHOST", true},
		{"localhost.", true},
		{"metadata.google.internal", true},
		{"foo.localhost", true},
		{"printer.local", true},
		{"db.internal", true},
		{"example.com", false},
		{"internal.example.com", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsBlockedHostname(tt.hostname); got != tt.want {
			t.Errorf("IsBlockedHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}

func TestResolveRejectsPrivateLiterals(t *testing.T) {
	blocked := []string{
		"127.0.0.1",
		"10.0.0.1",
		"192.168.1.1",
		"169.254.169.254",
		"::1",
		"[::1]",
		"localhost",
	}
	for _, host := range blocked {
		_, err := Resolve(context.Background(), host)
		if err == nil {
			t.Errorf("Resolve(%q) should be blocked", host)
			continue
		}
		if !IsBlocked(err) {
			t.Errorf("Resolve(%q) error = %v, want SSRF_BLOCKED", host, err)
		}
	}
}

func TestResolveAllowsPublicLiteral(t *testing.T) {
	addr, err := Resolve(context.Background(), "8.8.8.8")
	if err != nil {
		t.Fatalf("Resolve(8.8.8.8) error: %v", err)
	}
	if addr.String() != "8.8.8.8" {
		t.Errorf("pinned addr = %v", addr)
	}
}

func TestIsPrivateAddress(t *testing.T) {
	if !IsPrivateAddress("192.168.0.10") {
		t.Error("192.168.0.10 should be private")
	}
	if !IsPrivateAddress("[fe80::1]") {
		t.Error("bracketed link-local should be private")
	}
	if IsPrivateAddress("example.com") {
		t.Error("hostnames are not addresses")
	}
	if IsPrivateAddress("8.8.4.4") {
		t.Error("8.8.4.4 is public")
	}
}

func TestBlockedErrorCode(t *testing.T) {
	err := NewBlockedError("test")
	if got := err.Error(); got != "SSRF_BLOCKED: test" {
		t.Errorf("Error() = %q", got)
	}
}
