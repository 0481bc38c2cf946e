package httpserver

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

var (
	errTargetURL     = errors.New("invalid endpoint url")
	errTargetScheme  = errors.New("endpoint must use https")
	errTargetHost    = errors.New("endpoint host is not allowed")
	errTargetResolve = errors.New("failed to resolve endpoint host")
)

// TargetPolicy decides which push endpoints the relay forwards to. A plain
// entry such as "fcm.googleapis.com" admits that host and its subdomains
// over https, provided they resolve to public addresses. An entry written
// with a scheme, such as "http://10.0.0.5", trusts exactly that host.
type TargetPolicy struct {
	suffixes []string
	trusted  map[string]struct{}
	lookup   func(ctx context.Context, host string) ([]net.IP, error)
}

func NewTargetPolicy(allowed []string) *TargetPolicy {
	p := &TargetPolicy{trusted: make(map[string]struct{}), lookup: resolveIPs}
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if strings.Contains(a, "://") {
			if u, err := url.Parse(a); err == nil && u.Hostname() != "" {
				p.trusted[u.Hostname()] = struct{}{}
			}
			continue
		}
		if a = strings.Trim(a, "."); a != "" {
			p.suffixes = append(p.suffixes, a)
		}
	}
	return p
}

func resolveIPs(ctx context.Context, host string) ([]net.IP, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// Check validates endpoint against the policy.
func (p *TargetPolicy) Check(ctx context.Context, endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return errTargetURL
	}
	host := strings.ToLower(u.Hostname())
	if _, ok := p.trusted[host]; ok {
		if u.Scheme != "http" && u.Scheme != "https" {
			return errTargetScheme
		}
		return nil
	}
	if !p.match(host) {
		return errTargetHost
	}
	if u.Scheme != "https" {
		return errTargetScheme
	}

	if host == "localhost" || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".local") {
		return errTargetHost
	}
	ips := []net.IP{net.ParseIP(host)}
	if ips[0] == nil {
		ips, err = p.lookup(ctx, host)
		if err != nil || len(ips) == 0 {
			return errTargetResolve
		}
	}
	for _, ip := range ips {
		if isBlockedIP(ip) {
			return errTargetHost
		}
	}
	return nil
}

func (p *TargetPolicy) match(host string) bool {
	for _, a := range p.suffixes {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
