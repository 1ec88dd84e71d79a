package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	xproxy "golang.org/x/net/proxy"

	"github.com/keyfront/keyfront/internal/config"
)

// NewClient builds the HTTP client used for one route's upstream. The
// connect timeout bounds dialing (including egress proxy negotiation) and
// the TLS handshake; the client itself carries no total timeout, since
// per-request deadlines are managed by the forwarder and SSE streams must
// be able to outlive any fixed budget. Compression is disabled so response
// bodies are relayed byte-for-byte.
func NewClient(upstream *config.UpstreamConfig) (*http.Client, error) {
	connectTimeout := upstream.ConnectTimeout()

	dialer := &net.Dialer{
		Timeout:   connectTimeout,
		KeepAlive: 30 * time.Second,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		DisableCompression:    true,
	}

	if p := upstream.Proxy; p != nil {
		switch p.Protocol {
		case config.ProxyProtocolHTTP, config.ProxyProtocolHTTPS:
			proxyURL := &url.URL{
				Scheme: string(p.Protocol),
				Host:   p.Address,
			}
			if p.Username != "" {
				proxyURL.User = url.UserPassword(p.Username, p.Password.Value())
			}
			transport.Proxy = http.ProxyURL(proxyURL)
		case config.ProxyProtocolSOCKS:
			var auth *xproxy.Auth
			if p.Username != "" {
				auth = &xproxy.Auth{User: p.Username, Password: p.Password.Value()}
			}
			// The SOCKS5 dialer receives the target hostname unresolved,
			// so DNS happens on the proxy side.
			socksDialer, err := xproxy.SOCKS5("tcp", p.Address, auth, dialer)
			if err != nil {
				return nil, fmt.Errorf("build socks5 dialer for %s: %w", p.Address, err)
			}
			contextDialer, ok := socksDialer.(xproxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("socks5 dialer for %s does not support contexts", p.Address)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				ctx, cancel := context.WithTimeout(ctx, connectTimeout)
				defer cancel()
				return contextDialer.DialContext(ctx, network, addr)
			}
		default:
			return nil, fmt.Errorf("unsupported proxy protocol %q", p.Protocol)
		}
	}

	return &http.Client{
		Transport: transport,
		// Redirects from providers are relayed to the client as-is.
		CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
