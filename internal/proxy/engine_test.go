package proxy

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/captap/captap/internal/ca"
	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/internal/store"
)

func testEngine(t *testing.T, mutate func(*config.ProxyConfig)) (*Engine, store.Store, *eventbus.Bus) {
	t.Helper()

	cfg := config.ProxyConfig{
		Host:                     "127.0.0.1",
		Port:                     0,
		EnableHTTPS:              true,
		CaptureBodyCapBytes:      1024 * 1024,
		IdleTimeoutMs:            2000,
		UpstreamConnectTimeoutMs: 1000,
		UpstreamHeaderTimeoutMs:  2000,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	root, err := ca.GenerateRootCA("captap-test", "captap Test Root CA")
	if err != nil {
		t.Fatalf("GenerateRootCA: %v", err)
	}
	minter := ca.NewCertMinter(root, 64)

	st, err := store.New(config.StorageConfig{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "traffic.db"),
	}, logger.Nop())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	bus := eventbus.New(64)
	t.Cleanup(bus.Close)

	engine := New(cfg, root, minter, st, bus, logger.Nop())
	if err := engine.Start(); err != nil {
		t.Fatalf("engine.Start: %v", err)
	}
	t.Cleanup(func() { engine.Stop() })

	return engine, st, bus
}

// rawProxyRequest sends a plain-HTTP proxy request (absolute-form
// request-URI) directly over TCP and returns the parsed response,
// bypassing net/http's client so the request never goes through Go's own
// proxy-dialing logic.
func rawProxyRequest(t *testing.T, proxyAddr, method, absoluteURL string) *http.Response {
	t.Helper()
	conn, err := net.DialTimeout("tcp", proxyAddr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "%s %s HTTP/1.1\r\nHost: example.invalid\r\nConnection: close\r\n\r\n", method, absoluteURL)

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read proxy response: %v", err)
	}
	return resp
}

func TestPlainHTTPForwarding(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("hello from upstream"))
	}))
	defer upstream.Close()

	engine, st, _ := testEngine(t, nil)

	resp := rawProxyRequest(t, engine.Addr(), "GET", upstream.URL+"/greet")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	time.Sleep(100 * time.Millisecond) // let store.Complete land

	count, err := st.Count()
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored exchange, got %d", count)
	}
}

func TestUpstreamConnectRefusedYields502(t *testing.T) {
	// A closed listener guarantees connection-refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := ln.Addr().String()
	ln.Close()

	engine, _, _ := testEngine(t, nil)

	resp := rawProxyRequest(t, engine.Addr(), "GET", "http://"+deadAddr+"/")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("X-Captap-Error"); got == "" {
		t.Error("expected X-Captap-Error pseudo-header on synthetic failure response")
	}
}

func TestConnectTunnelModeSplicesBytes(t *testing.T) {
	backend, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer backend.Close()

	go func() {
		conn, err := backend.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 5)
		conn.Read(buf)
		conn.Write([]byte("world"))
	}()

	engine, _, _ := testEngine(t, func(c *config.ProxyConfig) { c.EnableHTTPS = false })

	conn, err := net.DialTimeout("tcp", engine.Addr(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	fmt.Fprintf(conn, "CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", backend.Addr().String(), backend.Addr().String())
	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT response: %v", err)
	}
	if statusLine[:12] != "HTTP/1.1 200" {
		t.Fatalf("expected 200 Connection Established, got %q", statusLine)
	}
	// consume the trailing blank line
	br.ReadString('\n')

	conn.Write([]byte("hello"))
	reply := make([]byte, 5)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := br.Read(reply); err != nil {
		t.Fatalf("read tunneled reply: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("expected tunneled reply %q, got %q", "world", reply)
	}
}
