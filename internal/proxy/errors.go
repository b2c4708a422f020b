package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"

	"github.com/captap/captap/pkg/exchange"
)

// classifyUpstreamError maps a dial/handshake/round-trip error to the
// error taxonomy from spec.md §7. The upstream failure policy never
// retries: one classified failure produces one synthetic error response
// (see statusForErrorKind) and one REQUEST_FAILED event.
func classifyUpstreamError(err error) exchange.ErrorKind {
	if err == nil {
		return ""
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return exchange.ErrDNSFailure
	}

	var tlsCertErr *tls.CertificateVerificationError
	if errors.As(err, &tlsCertErr) {
		return exchange.ErrUpstreamTLS
	}
	var tlsRecordErr tls.RecordHeaderError
	if errors.As(err, &tlsRecordErr) {
		return exchange.ErrUpstreamTLS
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return exchange.ErrTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return exchange.ErrTimeout
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if opErr.Op == "dial" {
			return exchange.ErrUpstreamConnect
		}
	}

	return exchange.ErrUpstreamProtocol
}

// statusForErrorKind maps a classified error to the synthetic status code
// served to the client: TIMEOUT terminates the client-facing exchange with
// a 504, every other upstream failure kind with a 502.
func statusForErrorKind(kind exchange.ErrorKind) int {
	switch kind {
	case exchange.ErrTimeout:
		return 504
	default:
		return 502
	}
}
