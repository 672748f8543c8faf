// Package ssrf guards outbound fetches against server-side request
// forgery. It blocks loopback, private, link-local, carrier-grade NAT,
// and multicast destinations, plus a hostname blocklist, and defeats DNS
// rebinding by resolving once and pinning the connection to the resolved
// address.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"
)

// ErrCodeSSRFBlocked is the machine code attached to blocked requests.
const ErrCodeSSRFBlocked = "SSRF_BLOCKED"

// BlockedError indicates a request was rejected by SSRF policy.
type BlockedError struct {
	Reason string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCodeSSRFBlocked, e.Reason)
}

// NewBlockedError creates a BlockedError with the given reason.
func NewBlockedError(reason string) *BlockedError {
	return &BlockedError{Reason: reason}
}

// IsBlocked reports whether err is an SSRF rejection.
func IsBlocked(err error) bool {
	var blocked *BlockedError
	return errors.As(err, &blocked)
}

// blockedHostnames are always rejected regardless of resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// dangerousSuffixes indicate internal or link-local naming.
var dangerousSuffixes = []string{".localhost", ".local", ".internal"}

// normalizeHostname trims whitespace, lowercases, strips trailing dots,
// and unwraps IPv6 brackets.
func normalizeHostname(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	if strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]") {
		normalized = normalized[1 : len(normalized)-1]
	}
	return normalized
}

// IsBlockedHostname checks the hostname blocklist and dangerous suffixes.
func IsBlockedHostname(hostname string) bool {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range dangerousSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// IsForbiddenIP reports whether the address is in a range that must never
// be fetched: unspecified, loopback, RFC1918 private, link-local, CGNAT,
// multicast, or IPv6 unique-local.
func IsForbiddenIP(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if addr.IsUnspecified() || addr.IsLoopback() || addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsMulticast() {
		return true
	}
	if addr.Is4() {
		// 100.64.0.0/10 carrier-grade NAT
		b := addr.As4()
		if b[0] == 100 && b[1] >= 64 && b[1] <= 127 {
			return true
		}
	}
	return false
}

// IsPrivateAddress checks an IP address string (IPv4 or IPv6) against the
// forbidden ranges. Unparsable strings are not treated as addresses.
func IsPrivateAddress(address string) bool {
	normalized := normalizeHostname(address)
	if normalized == "" {
		return false
	}
	addr, err := netip.ParseAddr(normalized)
	if err != nil {
		return false
	}
	return IsForbiddenIP(addr)
}

// Resolve validates a hostname and resolves it to a single pinned address.
// Every resolved address is checked; any forbidden result rejects the
// whole name so an attacker cannot mix public and private records.
func Resolve(ctx context.Context, hostname string) (netip.Addr, error) {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return netip.Addr{}, NewBlockedError("empty hostname")
	}
	if IsBlockedHostname(normalized) {
		return netip.Addr{}, NewBlockedError("blocked hostname: " + normalized)
	}

	// Literal IP: no DNS involved.
	if addr, err := netip.ParseAddr(normalized); err == nil {
		if IsForbiddenIP(addr) {
			return netip.Addr{}, NewBlockedError("private/internal IP address")
		}
		return addr, nil
	}

	ips, err := net.DefaultResolver.LookupNetIP(ctx, "ip", normalized)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("resolve %s: %w", hostname, err)
	}
	if len(ips) == 0 {
		return netip.Addr{}, fmt.Errorf("resolve %s: no addresses", hostname)
	}
	for _, ip := range ips {
		if IsForbiddenIP(ip) {
			return netip.Addr{}, NewBlockedError("resolves to private/internal IP address")
		}
	}
	return ips[0].Unmap(), nil
}

// Client returns an HTTP client whose dialer re-validates and pins every
// connection to a vetted resolved address. Redirect targets pass through
// the same dialer, so each hop is checked.
func Client(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(address)
			if err != nil {
				return nil, err
			}
			pinned, err := Resolve(ctx, host)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(pinned.String(), port))
		},
		MaxIdleConns:        10,
		IdleConnTimeout:     30 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}
