package proxy

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/captap/captap/pkg/exchange"
)

// handleConnection is the entry point for one accepted client TCP
// connection. It implements the proxy engine's per-connection state
// machine from spec.md §4.4: read the request line, detect CONNECT, and
// branch into TLS interception, a raw tunnel, or plain HTTP forwarding.
func (e *Engine) handleConnection(clientConn net.Conn) {
	defer clientConn.Close()

	idleTimeout := time.Duration(e.cfg.IdleTimeoutMs) * time.Millisecond
	br := bufio.NewReader(clientConn)

	clientConn.SetReadDeadline(time.Now().Add(idleTimeout))
	req, err := http.ReadRequest(br)
	if err != nil {
		if err != io.EOF {
			e.log.Debug("read initial request failed", "remote", clientConn.RemoteAddr().String(), "err", err)
		}
		return
	}

	if req.Method == http.MethodConnect {
		e.handleConnect(clientConn, req)
		return
	}

	e.servePlainLoop(clientConn, br, req)
}

// handleConnect processes a CONNECT request: acknowledge the tunnel, then
// either terminate TLS ourselves (interception, minting a leaf cert for
// the target host) or splice raw bytes end to end (tunnel mode, used when
// HTTPS interception is disabled).
func (e *Engine) handleConnect(clientConn net.Conn, req *http.Request) {
	target := req.URL.Host
	if target == "" {
		target = req.Host
	}
	if _, _, err := net.SplitHostPort(target); err != nil {
		target = net.JoinHostPort(target, "443")
	}

	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	if !e.cfg.EnableHTTPS {
		e.tunnel(clientConn, target)
		return
	}

	hostname, _, err := net.SplitHostPort(target)
	if err != nil {
		hostname = target
	}

	leaf, err := e.minter.Mint(hostname)
	if err != nil {
		e.log.Warn("mint leaf certificate failed, falling back to tunnel", "host", hostname, "err", err)
		e.tunnel(clientConn, target)
		return
	}

	tlsCert := tls.Certificate{
		Certificate: leaf.TLS.DER,
		PrivateKey:  leaf.TLS.PrivateKey,
		Leaf:        leaf.TLS.Leaf,
	}

	tlsConn := tls.Server(clientConn, &tls.Config{Certificates: []tls.Certificate{tlsCert}})
	defer tlsConn.Close()

	handshakeCtx, cancel := contextWithTimeout(e.cfg)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		e.log.Debug("client TLS handshake failed", "host", hostname, "err", err)
		return
	}

	br := bufio.NewReader(tlsConn)
	e.serveInterceptedLoop(tlsConn, br, hostname)
}

// tunnel splices bytes between the client and target verbatim, without
// interception. Used when HTTPS interception is disabled, and as the
// fallback when minting a leaf certificate for the target fails; no
// Exchange is captured, since the proxy never sees plaintext.
func (e *Engine) tunnel(clientConn net.Conn, target string) {
	connectTimeout := time.Duration(e.cfg.UpstreamConnectTimeoutMs) * time.Millisecond
	upstream, err := net.DialTimeout("tcp", target, connectTimeout)
	if err != nil {
		e.log.Debug("tunnel dial failed", "target", target, "err", err)
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(upstream, clientConn)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(clientConn, upstream)
		done <- struct{}{}
	}()
	<-done
}

// servePlainLoop handles a non-CONNECT HTTP/1.1 connection: firstReq
// already has an absolute-form request-URI (per RFC 7230 §5.3.2, the form
// a client sends when proxying plain HTTP).
func (e *Engine) servePlainLoop(clientConn net.Conn, br *bufio.Reader, firstReq *http.Request) {
	req := firstReq
	idleTimeout := time.Duration(e.cfg.IdleTimeoutMs) * time.Millisecond

	for {
		if req == nil {
			clientConn.SetReadDeadline(time.Now().Add(idleTimeout))
			var err error
			req, err = http.ReadRequest(br)
			if err != nil {
				return
			}
		}

		host := req.Host
		if req.URL.Host != "" {
			host = req.URL.Host
		}
		if !req.URL.IsAbs() {
			req.URL.Scheme = "http"
			req.URL.Host = host
		}
		urlString := req.URL.String()

		keepAlive := e.serveOneExchange(clientConn, req, urlString, host)
		req = nil
		if !keepAlive {
			return
		}
	}
}

// serveInterceptedLoop handles a decrypted TLS connection produced by
// handleConnect: requests arrive in origin-form (relative URI), so the
// absolute URL is reconstructed from the CONNECT target hostname.
func (e *Engine) serveInterceptedLoop(tlsConn net.Conn, br *bufio.Reader, hostname string) {
	idleTimeout := time.Duration(e.cfg.IdleTimeoutMs) * time.Millisecond

	for {
		tlsConn.SetReadDeadline(time.Now().Add(idleTimeout))
		req, err := http.ReadRequest(br)
		if err != nil {
			return
		}

		req.URL.Scheme = "https"
		req.URL.Host = hostname
		if req.Host == "" {
			req.Host = hostname
		}
		urlString := "https://" + hostname + req.URL.RequestURI()

		if !e.serveOneExchange(tlsConn, req, urlString, hostname) {
			return
		}
	}
}

// serveOneExchange captures, forwards, and responds to a single HTTP
// transaction, recording it in the TrafficStore and publishing lifecycle
// events on the EventBus (spec.md §4.3, §4.5). It reports whether the
// client connection should be kept open for another request.
func (e *Engine) serveOneExchange(clientConn net.Conn, req *http.Request, urlString, host string) bool {
	start := time.Now()
	keepAlive := !strings.EqualFold(req.Header.Get("Connection"), "close") && req.ProtoAtLeast(1, 1)

	capBytes := e.cfg.CaptureBodyCapBytes
	reqCap := newCapturingReader(req.Body, capBytes)
	fullReqBody, err := io.ReadAll(reqCap)
	req.Body.Close()
	if err != nil {
		e.log.Debug("read request body failed", "url", urlString, "err", err)
		return false
	}

	timestampMs := exchange.Now()
	id, err := e.store.InsertOpen(exchange.OpenFields{
		TimestampMs:      timestampMs,
		Method:           req.Method,
		URL:              urlString,
		Host:             host,
		Path:             req.URL.Path,
		RequestHeaders:   exchange.FromHTTPHeader(req.Header),
		RequestBody:      reqCap.Bytes(),
		RequestTruncated: reqCap.Truncated(),
	})
	if err != nil {
		e.log.Error("insert open exchange failed", "url", urlString, "err", err)
		return false
	}
	e.bus.Publish(exchange.Event{
		Kind: exchange.EventRequestStarted,
		ID:   id,
		RequestView: &exchange.Exchange{
			ID: id, TimestampMs: timestampMs, Method: req.Method, URL: urlString,
			Host: host, Path: req.URL.Path, RequestHeaders: exchange.FromHTTPHeader(req.Header),
			RequestBody: reqCap.Bytes(), RequestTruncated: reqCap.Truncated(),
		},
	})

	outbound := req.Clone(req.Context())
	outbound.RequestURI = ""
	outbound.Body = io.NopCloser(bytes.NewReader(fullReqBody))
	outbound.ContentLength = int64(len(fullReqBody))
	stripHopByHopHeaders(outbound.Header)

	ctx, cancel := contextWithHeaderTimeout(e.cfg)
	defer cancel()
	outbound = outbound.WithContext(ctx)

	resp, err := e.transport.RoundTrip(outbound)
	if err != nil {
		kind := classifyUpstreamError(err)
		e.failExchange(id, kind, start)
		e.writeSyntheticError(clientConn, req, kind)
		return keepAlive
	}
	defer resp.Body.Close()

	respCap := newCapturingReader(resp.Body, capBytes)
	fullRespBody, err := io.ReadAll(respCap)
	if err != nil {
		kind := exchange.ErrUpstreamProtocol
		e.failExchange(id, kind, start)
		e.writeSyntheticError(clientConn, req, kind)
		return keepAlive
	}

	responseHeaders := exchange.FromHTTPHeader(resp.Header)
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	duration := time.Since(start).Milliseconds()

	// The store write, the event publish, and the client write share no
	// data dependency once the response is fully captured, so they run
	// concurrently: a slow sqlite fsync no longer adds to client-perceived
	// latency.
	var g errgroup.Group
	g.Go(func() error {
		return e.store.Complete(id, exchange.CompletionFields{
			Status:            resp.StatusCode,
			ResponseHeaders:   responseHeaders,
			ResponseBody:      respCap.Bytes(),
			ContentType:       contentType,
			DurationMs:        duration,
			SizeBytes:         respCap.Size(),
			ResponseTruncated: respCap.Truncated(),
		})
	})
	g.Go(func() error {
		e.bus.Publish(exchange.Event{
			Kind: exchange.EventRequestCompleted,
			ID:   id,
			FullView: &exchange.Exchange{
				ID: id, TimestampMs: timestampMs, Method: req.Method, URL: urlString,
				Host: host, Path: req.URL.Path, Status: resp.StatusCode,
				RequestHeaders: exchange.FromHTTPHeader(req.Header), ResponseHeaders: responseHeaders,
				RequestBody: reqCap.Bytes(), ResponseBody: respCap.Bytes(),
				ContentType: contentType, DurationMs: duration, SizeBytes: respCap.Size(),
				RequestTruncated: reqCap.Truncated(), ResponseTruncated: respCap.Truncated(),
			},
		})
		return nil
	})
	g.Go(func() error {
		outHeader := resp.Header.Clone()
		stripHopByHopHeaders(outHeader)
		writeResponse(clientConn, req.ProtoMajor, req.ProtoMinor, resp.StatusCode, resp.Status, outHeader, fullRespBody)
		return nil
	})
	if err := g.Wait(); err != nil {
		e.log.Error("complete exchange failed", "id", id, "err", err)
	}

	return keepAlive
}

// failExchange completes a store record via the upstream failure policy
// (spec.md §4.4): one classified error, no retry, marked ErrorKind.
func (e *Engine) failExchange(id int64, kind exchange.ErrorKind, start time.Time) {
	if err := e.store.Complete(id, exchange.CompletionFields{
		Status:     statusForErrorKind(kind),
		DurationMs: time.Since(start).Milliseconds(),
		ErrorKind:  kind,
	}); err != nil {
		e.log.Error("complete failed exchange failed", "id", id, "err", err)
	}
	e.bus.Publish(exchange.Event{Kind: exchange.EventRequestFailed, ID: id, ErrorKind: kind})
}

// writeSyntheticError writes the client-facing synthetic response for a
// classified upstream failure, carrying the error kind as a pseudo-header
// so a caller can distinguish DNS_FAILURE from UPSTREAM_TLS without
// re-parsing prose.
func (e *Engine) writeSyntheticError(clientConn net.Conn, req *http.Request, kind exchange.ErrorKind) {
	status := statusForErrorKind(kind)
	body := []byte(fmt.Sprintf("captap: upstream request failed (%s)", kind))
	header := http.Header{
		"Content-Type":   {"text/plain; charset=utf-8"},
		"X-Captap-Error": {string(kind)},
	}
	writeResponse(clientConn, req.ProtoMajor, req.ProtoMinor, status, http.StatusText(status), header, body)
}

func writeResponse(w io.Writer, protoMajor, protoMinor, status int, statusText string, header http.Header, body []byte) {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "HTTP/%d.%d %d %s\r\n", protoMajor, protoMinor, status, statusText)
	header.Set("Content-Length", fmt.Sprintf("%d", len(body)))
	header.Write(bw)
	bw.WriteString("\r\n")
	bw.Write(body)
	bw.Flush()
}
