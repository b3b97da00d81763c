// Package transport hands the dispatcher a per-account HTTP client whose
// TLS client hello matches Chrome's rather than Go's default fingerprint,
// so a pool of accounts hitting the same upstream doesn't present an
// obviously uniform stack of Go clients.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	utls "github.com/refraction-networking/utls"
	"golang.org/x/net/http2"

	"github.com/ccflare/proxy/internal/account"
	"github.com/ccflare/proxy/internal/config"
)

// Manager pools one RoundTripper per account so repeated requests from
// the same account reuse connections instead of paying a fresh TLS
// handshake every attempt.
type Manager struct {
	mu             sync.Mutex
	entries        map[string]*poolEntry
	requestTimeout time.Duration
}

type poolEntry struct {
	roundTripper http.RoundTripper
	lastUsed     time.Time
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{
		entries:        make(map[string]*poolEntry),
		requestTimeout: cfg.RequestTimeout,
	}
}

// GetClient returns an http.Client using the account's pooled transport.
func (m *Manager) GetClient(acct *account.Account) *http.Client {
	return &http.Client{
		Transport: m.getRoundTripper(acct),
		Timeout:   m.requestTimeout,
	}
}

// RunCleanup evicts transports idle past idleTimeout on a 1-minute tick;
// it blocks until ctx is canceled and is meant to run in its own goroutine.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup(5 * time.Minute)
		}
	}
}

func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, entry := range m.entries {
		if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(m.entries, key)
	}
}

func (m *Manager) getRoundTripper(acct *account.Account) http.RoundTripper {
	key := acct.ID

	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.entries[key]; ok {
		entry.lastUsed = time.Now()
		return entry.roundTripper
	}

	rt := buildRoundTripper()
	m.entries[key] = &poolEntry{roundTripper: rt, lastUsed: time.Now()}
	return rt
}

func (m *Manager) cleanup(idleTimeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-idleTimeout)
	for key, entry := range m.entries {
		if entry.lastUsed.Before(cutoff) {
			if t, ok := entry.roundTripper.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(m.entries, key)
		}
	}
}

// buildRoundTripper uses http2.Transport with a utls dialer: the uconn it
// returns doesn't satisfy the *tls.Conn type assertion the stdlib
// transport wants, so http2.Transport's DialTLSContext hook is the one
// place a uconn can be handed back safely.
func buildRoundTripper() http.RoundTripper {
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

	tlsConn := utls.UClient(rawConn, &utls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
	}, utls.HelloChrome_Auto)

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		rawConn.Close()
		return nil, err
	}

	return tlsConn, nil
}
