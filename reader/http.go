package reader

import (
	"net"
	"net/http"

	appconfig "ingestflow/config"
)

// UserAgent is sent on discovery requests.
var UserAgent = "ingestflow/dev"

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", t.agent)
	}
	return t.base.RoundTrip(req)
}

// localDialer binds outbound connections to localIP when set, so several
// venue instances can spread load over the host's addresses.
func localDialer(localIP string) *net.Dialer {
	d := &net.Dialer{}
	if ip := net.ParseIP(localIP); ip != nil {
		d.LocalAddr = &net.TCPAddr{IP: ip}
	}
	return d
}

// NewHTTPClient builds the discovery client of a venue: pooled transport,
// optional local address binding, per-request timeout.
func NewHTTPClient(cfg *appconfig.VenueConfig) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.ConnectionPool.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.ConnectionPool.MaxIdleConns,
		MaxConnsPerHost:     cfg.ConnectionPool.MaxConnsPerHost,
		IdleConnTimeout:     cfg.ConnectionPool.IdleConnTimeout,
		DialContext:         localDialer(cfg.LocalIP).DialContext,
	}
	kind := cfg.Kind
	if kind == "" {
		kind = cfg.Name
	}
	return &http.Client{
		Transport: userAgentTransport{
			agent: UserAgent,
			base:  rateLimitTransport{venue: cfg.Name, kind: kind, base: transport},
		},
		Timeout: cfg.HTTPTimeout,
	}
}
