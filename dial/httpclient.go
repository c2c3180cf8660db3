package dial

import (
	"net"
	"net/http"
	"time"
)

const (
	dialHTTPTimeout         = 5 * time.Second
	dialHTTPKeepAlive       = 30 * time.Second
	dialHTTPIdleConnTimeout = 30 * time.Second
)

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = dialHTTPTimeout
	}

	return &http.Client{
		// Connect and response-header timeouts are bounded separately, the
		// overall timeout only guards against a TV that never finishes the body.
		Timeout: 2 * timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: dialHTTPKeepAlive,
			}).DialContext,
			ResponseHeaderTimeout: timeout,
			IdleConnTimeout:       dialHTTPIdleConnTimeout,
		},
	}
}
