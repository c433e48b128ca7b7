package scan

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// Resolver looks up IP addresses for a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SafetyFilter validates that a candidate URL is public before any network
// fetch is attempted. It must be re-checked on every redirect hop, not only
// the original URL.
type SafetyFilter struct {
	resolver Resolver
	logger   *zap.Logger
}

// blockedHostnames are hosts that must never be fetched regardless of what
// they resolve to.
var blockedHostnames = map[string]bool{
	"metadata.google.internal": true,
	"metadata":                 true,
	"localhost":                true,
}

// NewSafetyFilter builds a filter using the given resolver. A nil resolver
// falls back to net.DefaultResolver.
func NewSafetyFilter(resolver Resolver, logger *zap.Logger) *SafetyFilter {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SafetyFilter{resolver: resolver, logger: logger}
}

// Allowed returns nil when the URL may be fetched, or a *SafetyRejection
// describing why not. Aside from the DNS lookup it is side-effect free;
// callers must not proceed to fetch on a non-nil return.
func (f *SafetyFilter) Allowed(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &SafetyRejection{URL: rawURL, Reason: "unparseable URL"}
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return &SafetyRejection{URL: rawURL, Reason: fmt.Sprintf("scheme %q not allowed", u.Scheme)}
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return &SafetyRejection{URL: rawURL, Reason: "missing host"}
	}
	if blockedHostnames[host] {
		return &SafetyRejection{URL: rawURL, Reason: fmt.Sprintf("host %q is blocked", host)}
	}

	if ip := net.ParseIP(host); ip != nil {
		if reason := disallowedIP(ip); reason != "" {
			return &SafetyRejection{URL: rawURL, Reason: reason}
		}
		return nil
	}

	addrs, err := f.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return &SafetyRejection{URL: rawURL, Reason: fmt.Sprintf("DNS resolution failed: %v", err)}
	}
	if len(addrs) == 0 {
		return &SafetyRejection{URL: rawURL, Reason: "host resolves to no addresses"}
	}
	for _, addr := range addrs {
		if reason := disallowedIP(addr.IP); reason != "" {
			f.logger.Debug("url rejected by safety filter",
				zap.String("url", rawURL),
				zap.String("ip", addr.IP.String()),
				zap.String("reason", reason),
			)
			return &SafetyRejection{URL: rawURL, Reason: reason}
		}
	}
	return nil
}

// IsAllowed is the boolean form of Allowed.
func (f *SafetyFilter) IsAllowed(ctx context.Context, rawURL string) bool {
	return f.Allowed(ctx, rawURL) == nil
}

// disallowedIP returns a non-empty reason when the IP must not be dialed.
// Link-local covers the cloud metadata service at 169.254.169.254.
func disallowedIP(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback address"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "link-local address"
	case ip.IsPrivate():
		return "private address"
	case ip.IsUnspecified():
		return "unspecified address"
	case ip.IsMulticast():
		return "multicast address"
	default:
		return ""
	}
}
