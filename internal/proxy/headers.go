package proxy

import (
	"net/http"

	"golang.org/x/net/http/httpguts"
)

// hopByHopHeaders is the RFC 7230 §6.1 list plus the historical
// Proxy-Connection variant many clients still send. These are stripped
// only when a request/response is re-serialized to the other side of the
// tunnel; the captured Exchange keeps them. What gets captured is the
// header map net/http parsed, so names are in canonical form and Host and
// Transfer-Encoding (which net/http moves out of the map) are not in it.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHopHeaders removes hop-by-hop headers from h in place, plus
// any additional header named by a token in the Connection header, before
// h is written out to the other side of the proxy.
func stripHopByHopHeaders(h http.Header) {
	var extra []string
	for name := range h {
		if connectionListedHeaders(h, name) {
			extra = append(extra, name)
		}
	}
	for _, name := range extra {
		h.Del(name)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// connectionListedHeaders reports whether the Connection header nominates
// name as an extra hop-by-hop header for this message, per httpguts's
// token parsing rules.
func connectionListedHeaders(h http.Header, name string) bool {
	return httpguts.HeaderValuesContainsToken(h.Values("Connection"), name)
}
