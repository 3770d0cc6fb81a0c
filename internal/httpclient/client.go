// Package httpclient builds the outbound *http.Client values used by the
// pipeline adapters. Every client is traced with otelhttp; authenticated
// clients add a static bearer token through golang.org/x/oauth2.
package httpclient

import (
	"context"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
)

// Options configures a client.
type Options struct {
	// Timeout bounds a whole request including reading the body.
	Timeout time.Duration
	// Token, when set, is sent as "Authorization: Bearer <token>".
	Token string
	// Base overrides the underlying transport (tests).
	Base http.RoundTripper
}

// New returns an HTTP client with tracing and optional bearer auth.
func New(opts Options) *http.Client {
	base := opts.Base
	if base == nil {
		base = defaultTransport()
	}
	var rt http.RoundTripper = otelhttp.NewTransport(base)
	if opts.Token != "" {
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}
	return &http.Client{Transport: rt, Timeout: opts.Timeout}
}

func defaultTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// Resolver looks up host addresses. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}
