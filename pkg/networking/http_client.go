// SPDX-FileCopyrightText: Copyright 2025 Authrim Contributors
// SPDX-License-Identifier: Apache-2.0

// Package networking provides the outbound HTTP plumbing for the
// authorization server: an SSRF-guarded client used for request_uri
// documents, client JWKS sets, and did:web resolution, plus size-capped
// fetch helpers.
package networking

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"slices"
	"syscall"
	"time"
)

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"100.64.0.0/10",  // RFC6598 CGNAT
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// ErrPrivateAddress is returned when an outbound request resolves to a
// private, loopback, or link-local address.
var ErrPrivateAddress = errors.New("destination resolves to a private address")

// ErrDomainNotAllowed is returned when a destination host is not on the
// configured allowlist.
var ErrDomainNotAllowed = errors.New("destination domain is not on the allowlist")

// ErrTooManyRedirects is returned when a fetch exceeds the redirect budget.
var ErrTooManyRedirects = errors.New("too many redirects")

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns an error if the dial address references
// a private IP. Applied at the dialer layer so DNS rebinding after the URL
// check still cannot reach internal ranges.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if isPrivateIP(net.ParseIP(host)) {
		return ErrPrivateAddress
	}
	return nil
}

// protectedDialerControl validates addresses prior to connection.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport validates request URLs prior to forwarding: HTTPS
// scheme only, optional domain allowlist, and a host-level private address
// check before DNS resolution even starts.
type ValidatingTransport struct {
	Transport      http.RoundTripper
	AllowedDomains []string
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	parsedURL, err := url.Parse(req.URL.String())
	if err != nil {
		return nil, fmt.Errorf("the supplied URL %s is malformed", req.URL.String())
	}

	if parsedURL.Scheme != "https" {
		return nil, fmt.Errorf("the supplied URL %s is not HTTPS scheme", req.URL.String())
	}

	host := parsedURL.Hostname()
	if ip := net.ParseIP(host); ip != nil && isPrivateIP(ip) {
		return nil, ErrPrivateAddress
	}

	if len(t.AllowedDomains) > 0 && !slices.Contains(t.AllowedDomains, host) {
		return nil, fmt.Errorf("%w: %s", ErrDomainNotAllowed, host)
	}

	return t.Transport.RoundTrip(req)
}

// ClientBuilder provides a fluent interface for building outbound HTTP
// clients.
type ClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowPrivate          bool
	allowedDomains        []string
	maxRedirects          int
}

// NewClientBuilder returns a builder with the default timeouts.
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		clientTimeout:         5 * time.Second,
		tlsHandshakeTimeout:   5 * time.Second,
		responseHeaderTimeout: 5 * time.Second,
		maxRedirects:          3,
	}
}

// WithTimeout sets the overall client timeout.
func (b *ClientBuilder) WithTimeout(d time.Duration) *ClientBuilder {
	b.clientTimeout = d
	return b
}

// WithPrivateIPs allows connections to private IP addresses. Only tests and
// explicitly trusted local deployments should enable this.
func (b *ClientBuilder) WithPrivateIPs(allow bool) *ClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithAllowedDomains restricts destinations to the given hosts.
func (b *ClientBuilder) WithAllowedDomains(domains []string) *ClientBuilder {
	b.allowedDomains = domains
	return b
}

// WithMaxRedirects bounds redirect following. Every hop re-passes the
// transport validation, so a redirect cannot escape into internal ranges.
func (b *ClientBuilder) WithMaxRedirects(n int) *ClientBuilder {
	b.maxRedirects = n
	return b
}

// Build creates the configured HTTP client.
func (b *ClientBuilder) Build() *http.Client {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	var clientTransport http.RoundTripper = transport
	if !b.allowPrivate {
		clientTransport = &ValidatingTransport{
			Transport:      transport,
			AllowedDomains: b.allowedDomains,
		}
	}

	maxRedirects := b.maxRedirects
	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return ErrTooManyRedirects
			}
			return nil
		},
	}
}
