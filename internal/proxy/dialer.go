package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"
	"golang.org/x/net/proxy"
)

// TransportPool caches one http.RoundTripper per OutboundProxy (and one for
// the direct, no-proxy path), mirroring the teacher's per-account pool but
// keyed on the thing that actually varies here: the proxy.
type TransportPool struct {
	mu      sync.Mutex
	entries map[string]*poolEntry
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewTransportPool() *TransportPool {
	return &TransportPool{entries: make(map[string]*poolEntry)}
}

// Direct returns the shared direct-dial (no outbound proxy) transport.
func (p *TransportPool) Direct() http.RoundTripper {
	return p.get("direct", nil)
}

// For returns the cached transport for op, building one on first use.
func (p *TransportPool) For(op *OutboundProxy) http.RoundTripper {
	return p.get(op.ID, op)
}

func (p *TransportPool) get(key string, op *OutboundProxy) http.RoundTripper {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper(op)
	p.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

// RunCleanup evicts transports idle past idleTimeout, grounded on
// transport.Manager.RunCleanup's ticker shape.
func (p *TransportPool) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cleanup(idleTimeout)
		}
	}
}

func (p *TransportPool) cleanup(idleTimeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range p.entries {
		if key == "direct" {
			continue
		}
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(p.entries, key)
		}
	}
}

func (p *TransportPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(p.entries, key)
	}
}

func buildRoundTripper(op *OutboundProxy) http.RoundTripper {
	if op != nil {
		return &http.Transport{
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     5 * time.Minute,
			DialTLSContext:      proxyDialer(op),
		}
	}
	// Direct dial uses http2.Transport to sidestep a *tls.Conn type
	// assertion issue stock http.Transport hits against utls's connection.
	return &http2.Transport{
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			return dialUTLS(ctx, network, addr)
		},
	}
}

func dialUTLS(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	dialer := &net.Dialer{}
	rawConn, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	return uTLSHandshake(ctx, rawConn, host)
}

func dialUTLSViaConn(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	return uTLSHandshake(ctx, rawConn, serverName)
}

func uTLSHandshake(ctx context.Context, rawConn net.Conn, serverName string) (net.Conn, error) {
	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func proxyDialer(op *OutboundProxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if op.Scheme == SchemeSOCKS5 {
		return socks5Dialer(op)
	}
	return httpConnectDialer(op)
}

func socks5Dialer(op *OutboundProxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", op.Host, op.Port)

		var auth *proxy.Auth
		if op.Username != "" {
			auth = &proxy.Auth{User: op.Username, Password: op.Password}
		}

		dialer, err := proxy.SOCKS5("tcp", proxyAddr, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("socks5 dialer: %w", err)
		}

		rawConn, err := dialer.Dial(network, addr)
		if err != nil {
			return nil, fmt.Errorf("socks5 dial: %w", err)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}

func httpConnectDialer(op *OutboundProxy) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		proxyAddr := fmt.Sprintf("%s:%d", op.Host, op.Port)

		dialer := &net.Dialer{}
		rawConn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("proxy tcp dial: %w", err)
		}

		connectReq := &http.Request{
			Method: http.MethodConnect,
			URL:    nil,
			Host:   addr,
			Header: make(http.Header),
		}
		if op.Username != "" {
			cred := base64.StdEncoding.EncodeToString([]byte(op.Username + ":" + op.Password))
			connectReq.Header.Set("Proxy-Authorization", "Basic "+cred)
		}

		if err := connectReq.Write(rawConn); err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT write: %w", err)
		}

		resp, err := http.ReadResponse(bufio.NewReader(rawConn), connectReq)
		if err != nil {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT read: %w", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			rawConn.Close()
			return nil, fmt.Errorf("proxy CONNECT failed: %s", resp.Status)
		}

		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			rawConn.Close()
			return nil, err
		}
		return dialUTLSViaConn(ctx, rawConn, host)
	}
}
