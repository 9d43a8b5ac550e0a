package dnscache

import (
	"net"
	"strings"
)

// SSRFPolicy decides which hostnames may be resolved and which resolved
// addresses may be returned to children. The default policy blocks anything
// that would let a user script reach the orchestrator's own network.
type SSRFPolicy struct {
	// AllowPrivate permits loopback/private/link-local results. Off by
	// default; only meant for development deployments.
	AllowPrivate bool
}

// blockedSuffixes are hostname suffixes that always resolve to internal
// infrastructure.
var blockedSuffixes = []string{
	".localhost",
	".local",
	".internal",
	".home.arpa",
}

// blockedHostnames are exact names never resolved for children.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
}

// ValidateHostname returns a non-empty reason when hostname must not be
// resolved.
func (p *SSRFPolicy) ValidateHostname(hostname string) string {
	h := strings.ToLower(strings.TrimSuffix(strings.TrimSpace(hostname), "."))
	if h == "" {
		return "Empty hostname"
	}
	if len(h) > 253 {
		return "Hostname too long"
	}

	if _, blocked := blockedHostnames[h]; blocked {
		return "Blocked hostname"
	}
	if !p.AllowPrivate {
		for _, suffix := range blockedSuffixes {
			if strings.HasSuffix(h, suffix) {
				return "Blocked hostname"
			}
		}
	}

	// IP literals skip resolution entirely, so the address policy applies
	// directly.
	if ip := net.ParseIP(h); ip != nil {
		return p.ValidateResolvedAddress(h)
	}

	for _, label := range strings.Split(h, ".") {
		if label == "" || len(label) > 63 {
			return "Invalid hostname"
		}
		for _, r := range label {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '-' || r == '_':
			default:
				return "Invalid hostname"
			}
		}
	}
	return ""
}

// ValidateResolvedAddress returns a non-empty reason when the resolved
// address must not be handed to a child.
func (p *SSRFPolicy) ValidateResolvedAddress(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return "Invalid IP address"
	}
	if p.AllowPrivate {
		return ""
	}
	switch {
	case ip.IsLoopback():
		return "Private IP address blocked"
	case ip.IsPrivate():
		return "Private IP address blocked"
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return "Private IP address blocked"
	case ip.IsUnspecified():
		return "Private IP address blocked"
	case ip.IsMulticast():
		return "Private IP address blocked"
	}
	return ""
}

// ValidateResolvedAddresses applies ValidateResolvedAddress to every
// address, returning the first rejection reason.
func (p *SSRFPolicy) ValidateResolvedAddresses(addrs []string) string {
	for _, a := range addrs {
		if reason := p.ValidateResolvedAddress(a); reason != "" {
			return reason
		}
	}
	return ""
}
