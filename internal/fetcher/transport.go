package fetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	utls "github.com/refraction-networking/utls"
)

// NewTransport returns the round tripper for the configured transport name.
// "default" returns nil, which keeps the http client's own transport.
func NewTransport(name string) (http.RoundTripper, error) {
	switch name {
	case "", "default":
		return nil, nil
	case "cloudflare":
		return cloudflarebp.AddCloudFlareByPass(http.DefaultTransport.(*http.Transport).Clone()), nil
	case "chrome_tls":
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			DialTLSContext:    dialTLSChrome,
			ForceAttemptHTTP2: false,
			MaxIdleConns:      10,
		}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", name)
	}
}

// dialTLSChrome opens a TLS connection with a Chrome ClientHello. ALPN is limited to
// http/1.1 because net/http cannot speak h2 over a custom TLS connection.
func dialTLSChrome(ctx context.Context, network, addr string) (net.Conn, error) {
	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_Auto)
	if err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("build chrome hello: %w", err)
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	tlsConn := utls.UClient(rawConn, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := tlsConn.ApplyPreset(&spec); err != nil {
		rawConn.Close()
		return nil, fmt.Errorf("apply chrome hello: %w", err)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
