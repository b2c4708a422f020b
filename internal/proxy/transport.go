package proxy

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/captap/captap/internal/config"
)

// newUpstreamTransport builds the *http.Transport used to reach origin
// servers, wired from the proxy's configured connect/header timeouts
// (spec.md §6). Idle-connection reuse mirrors the teacher's forwarder
// transport (internal/forwarder/forwarder.go).
func newUpstreamTransport(cfg config.ProxyConfig) *http.Transport {
	connectTimeout := time.Duration(cfg.UpstreamConnectTimeoutMs) * time.Millisecond
	headerTimeout := time.Duration(cfg.UpstreamHeaderTimeoutMs) * time.Millisecond

	dialer := &net.Dialer{Timeout: connectTimeout}

	return &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		DialTLSContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			rawConn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			host, _, splitErr := net.SplitHostPort(addr)
			if splitErr != nil {
				host = addr
			}
			tlsConn := tls.Client(rawConn, &tls.Config{ServerName: host})
			if err := tlsConn.HandshakeContext(ctx); err != nil {
				rawConn.Close()
				return nil, err
			}
			return tlsConn, nil
		},
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   32,
		MaxConnsPerHost:       64,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		TLSHandshakeTimeout:   connectTimeout,
		ExpectContinueTimeout: time.Second,
	}
}
