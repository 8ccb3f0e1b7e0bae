package loader

import (
	"crypto/tls"
	"net/http"

	"github.com/quic-go/quic-go/http3"
)

// HTTP3Transport returns a round tripper that fetches over HTTP/3, for
// use as HTTPConfig.Transport against QUIC-capable origins.
func HTTP3Transport(tlsConf *tls.Config) http.RoundTripper {
	return &http3.RoundTripper{TLSClientConfig: tlsConf}
}
