// Package webhook delivers event notifications to registered HTTP
// endpoints: SSRF-safe URL validation, canonical-JSON HMAC signing, and a
// retrying deliverer with per-URL rate limits and a dead-letter queue.
package webhook

import (
	"context"
	"fmt"
	"net"
	"net/url"

	"github.com/asaplabs/asap-go/asap"
)

// Resolver is the subset of net.Resolver used for hostname checks.
// Injectable so tests can pin resolution results.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// DefaultResolver is used by ValidateURL when no custom resolver is given.
var DefaultResolver Resolver = net.DefaultResolver

// ValidateURL rejects webhook targets that could reach internal
// infrastructure. It checks the scheme, requires a host, blocks IP
// literals in private or otherwise non-routable ranges, and resolves
// hostnames so a DNS name pointing at a blocked address is rejected too.
func ValidateURL(ctx context.Context, raw string, requireHTTPS bool) error {
	return validateURL(ctx, raw, requireHTTPS, DefaultResolver)
}

func validateURL(ctx context.Context, raw string, requireHTTPS bool, resolver Resolver) error {
	const op = "webhook.validate_url"
	reject := func(reason string) error {
		return asap.NewError(asap.AreaTransport, asap.KindWebhookURLRejected, op, nil).
			WithDetails(map[string]any{"url": raw, "reason": reason})
	}

	u, err := url.Parse(raw)
	if err != nil {
		return asap.NewError(asap.AreaTransport, asap.KindWebhookURLRejected, op, err)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if requireHTTPS {
			return reject("https required")
		}
	default:
		return reject(fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}

	host := u.Hostname()
	if host == "" {
		return reject("missing host")
	}

	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return reject("ip address in blocked range")
		}
		return nil
	}

	// DNS rebinding defense: every address the name resolves to must be
	// routable, not just the first one.
	addrs, err := resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return asap.NewError(asap.AreaTransport, asap.KindWebhookURLRejected, op, err).
			WithDetails(map[string]any{"url": raw, "reason": "dns resolution failed"})
	}
	for _, addr := range addrs {
		if blockedIP(addr.IP) {
			return reject("hostname resolves to blocked range")
		}
	}
	return nil
}

func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast() ||
		!ip.IsGlobalUnicast()
}
