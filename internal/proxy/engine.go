// Package proxy implements ProxyEngine (spec.md §4.4): the MITM
// HTTP/HTTPS listener that accepts client connections, intercepts TLS by
// minting per-hostname leaf certificates, forwards requests upstream, and
// records every exchange into the TrafficStore while publishing lifecycle
// events onto the EventBus.
//
// The accept-loop/per-connection-goroutine/graceful-drain shape follows
// the teacher's internal/server package, generalized from an HTTP
// muxer-backed server to a raw TCP listener that has to speak CONNECT.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/captap/captap/internal/ca"
	"github.com/captap/captap/internal/config"
	"github.com/captap/captap/internal/eventbus"
	"github.com/captap/captap/internal/logger"
	"github.com/captap/captap/internal/store"
)

// drainTimeout bounds how long Stop waits for in-flight connections to
// finish before returning, per spec.md §4.4's graceful-stop contract.
const drainTimeout = 5 * time.Second

// certPurgeInterval is how often the engine sweeps the CertMinter's leaf
// cache for expired entries (spec.md §4.2's explicit purge() operation),
// independent of the size-triggered LRU eviction that runs on every mint.
const certPurgeInterval = 1 * time.Hour

// Engine is the MITM proxy listener.
type Engine struct {
	cfg       config.ProxyConfig
	root      *ca.RootCA
	minter    *ca.CertMinter
	store     store.Store
	bus       *eventbus.Bus
	log       logger.Logger
	transport *http.Transport

	listener  net.Listener
	wg        sync.WaitGroup
	shutdown  chan struct{}
	closeOnce sync.Once
}

// New builds an Engine. root and minter come from the CA subsystem; st and
// bus are shared with the rest of captap.
func New(cfg config.ProxyConfig, root *ca.RootCA, minter *ca.CertMinter, st store.Store, bus *eventbus.Bus, log logger.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		root:      root,
		minter:    minter,
		store:     st,
		bus:       bus,
		log:       log,
		transport: newUpstreamTransport(cfg),
		shutdown:  make(chan struct{}),
	}
}

// Start binds the listener and begins accepting connections in the
// background. It returns once the listener is bound, not once the proxy
// has stopped.
func (e *Engine) Start() error {
	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind proxy listener on %s: %w", addr, err)
	}
	e.listener = ln
	e.log.Info("proxy engine listening", "addr", addr, "https_intercept", e.cfg.EnableHTTPS)

	go e.acceptLoop()
	go e.purgeLoop()
	return nil
}

// purgeLoop periodically sweeps the CertMinter's leaf cache for expired
// entries until the engine is stopped.
func (e *Engine) purgeLoop() {
	ticker := time.NewTicker(certPurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.minter.Purge()
		case <-e.shutdown:
			return
		}
	}
}

func (e *Engine) acceptLoop() {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.shutdown:
				return
			default:
			}
			e.log.Warn("accept failed, stopping accept loop", "err", err)
			return
		}

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleConnection(conn)
		}()
	}
}

// Stop closes the listener and waits up to drainTimeout for in-flight
// connections to finish, per spec.md §4.4.
func (e *Engine) Stop() error {
	e.closeOnce.Do(func() { close(e.shutdown) })
	if e.listener != nil {
		e.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.log.Info("proxy engine drained cleanly")
		return nil
	case <-time.After(drainTimeout):
		e.log.Warn("proxy engine drain timed out", "timeout", drainTimeout)
		return fmt.Errorf("proxy engine: drain exceeded %s", drainTimeout)
	}
}

// Addr returns the address the listener is bound to, useful in tests that
// bind an ephemeral port (cfg.Port == 0).
func (e *Engine) Addr() string {
	if e.listener == nil {
		return ""
	}
	return e.listener.Addr().String()
}

func contextWithTimeout(cfg config.ProxyConfig) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(cfg.UpstreamConnectTimeoutMs)*time.Millisecond)
}

func contextWithHeaderTimeout(cfg config.ProxyConfig) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), time.Duration(cfg.UpstreamHeaderTimeoutMs)*time.Millisecond)
}
