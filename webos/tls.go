package webos

import "crypto/tls"

// deviceTLSConfig returns the TLS settings for the secure control port.
// webOS TVs present self-signed certificates, so pairing only works with
// verification turned off. The returned config belongs to a single dialer
// and is never shared with other HTTP or socket clients.
func deviceTLSConfig(trustDevice bool) *tls.Config {
	if !trustDevice {
		return &tls.Config{}
	}

	return &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // self-signed TV certificates
	}
}
