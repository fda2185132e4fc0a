package casrpc

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
)

// NewHTTPClient returns a client suited to baseURL: plain http:// URLs
// speak HTTP/2 without TLS (h2c) so streaming writes work against casd,
// https:// URLs use the default transport.
func NewHTTPClient(baseURL string) *http.Client {
	if !strings.HasPrefix(strings.ToLower(baseURL), "http://") {
		return &http.Client{}
	}
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				d := net.Dialer{Timeout: 10 * time.Second}
				return d.DialContext(ctx, network, addr)
			},
		},
	}
}
