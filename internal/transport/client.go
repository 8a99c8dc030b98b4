// Package transport provides the HTTP client factory used for all outbound
// connections: the Tracker Client talking to Patchwork, and the GitHub
// runner adaptor talking to the GitHub API.
package transport

import (
	"crypto/tls"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// DefaultTimeout bounds an individual HTTP request (not a connection's
// lifetime — long-poll style calls should pass their own context deadline).
const DefaultTimeout = 30 * time.Second

// NewHTTPClient builds an http.Client configured for connection reuse across
// repeated calls to the same host (Patchwork, GitHub), with HTTP/2 enabled
// explicitly rather than left to negotiation defaults.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		// ConfigureTransport only fails on a malformed transport; the zero
		// value above is always well-formed, so this is unreachable in
		// practice. Fall back to the HTTP/1.1-only transport rather than panic.
		return &http.Client{Timeout: timeout, Transport: transport}
	}

	return &http.Client{Timeout: timeout, Transport: transport}
}
