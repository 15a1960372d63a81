// Package httpclient builds the HTTP clients used by the crawler, the web
// fingerprinter and the certificate transparency monitor.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig configures a discovery HTTP client.
type ClientConfig struct {
	Timeout   time.Duration
	UserAgent string
	// BlockPrivate refuses connections to loopback, link-local and RFC 1918
	// addresses, including after redirects.
	BlockPrivate    bool
	FollowRedirects bool
	MaxRedirects    int
	// InsecureSkipVerify accepts self-signed and expired certificates, which
	// are common on the assets being inventoried.
	InsecureSkipVerify bool
}

func DefaultConfig() ClientConfig {
	return ClientConfig{
		Timeout:         30 * time.Second,
		FollowRedirects: true,
		MaxRedirects:    10,
	}
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// New returns a client with per-request timeout, optional private address
// blocking and a fixed User-Agent.
func New(cfg ClientConfig) *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cfg.BlockPrivate {
				if err := validateAddress(ctx, addr); err != nil {
					return nil, fmt.Errorf("private address blocked: %w", err)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}

	var rt http.RoundTripper = transport
	if cfg.UserAgent != "" {
		rt = &userAgentTransport{base: transport, userAgent: cfg.UserAgent}
	}

	client := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
	}

	switch {
	case !cfg.FollowRedirects:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	case cfg.MaxRedirects > 0:
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", cfg.MaxRedirects)
			}
			if cfg.BlockPrivate {
				if err := validateURL(req.Context(), req.URL); err != nil {
					return fmt.Errorf("private address blocked on redirect: %w", err)
				}
			}
			return nil
		}
	}

	return client
}

func validateAddress(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	if ip := net.ParseIP(host); ip != nil {
		if IsPrivateIP(ip) {
			return fmt.Errorf("%s is not a public address", ip)
		}
		return nil
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", host, err)
	}
	for _, ip := range ips {
		if IsPrivateIP(ip.IP) {
			return fmt.Errorf("%s resolves to non-public address %s", host, ip.IP)
		}
	}
	return nil
}

func validateURL(ctx context.Context, u *url.URL) error {
	if u == nil || u.Hostname() == "" {
		return fmt.Errorf("redirect target has no host")
	}
	return validateAddress(ctx, u.Host)
}

// IsPrivateIP reports loopback, link-local, RFC 1918, ULA and unspecified
// addresses.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() ||
		ip.IsUnspecified()
}

// CloseBody drains and closes a response body so the connection can be
// reused.
func CloseBody(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}
