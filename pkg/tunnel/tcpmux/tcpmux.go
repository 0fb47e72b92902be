// Package tcpmux implements tunnel.Connector/tunnel.Listener over a plain
// TCP connection multiplexed with hashicorp/yamux, optionally TLS-wrapped
// for environments where UDP is blocked but the carrier still needs crypto.
package tcpmux

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	stdlog "log"
	"net"
	"time"

	"github.com/hashicorp/yamux"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/tunnel"
)

func yamuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = stdlog.New(io.Discard, "", stdlog.LstdFlags)
	return cfg
}

// Dialer connects to a remote tcpmux Listener.
type Dialer struct {
	addr      string
	tlsConfig *tls.Config // nil disables TLS
	dialFn    config.TCPDialerFunc
}

// NewDialer builds a Dialer. tlsConfig may be nil for an unencrypted carrier.
func NewDialer(addr string, tlsConfig *tls.Config, deps *config.Dependencies) (*Dialer, error) {
	return &Dialer{
		addr:      addr,
		tlsConfig: tlsConfig,
		dialFn:    config.GetTCPDialerFunc(deps),
	}, nil
}

// Connect implements tunnel.Connector.
func (d *Dialer) Connect(ctx context.Context) (tunnel.Connection, error) {
	raddr, err := net.ResolveTCPAddr("tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(%s): %w", d.addr, err)
	}

	nc, err := d.dialFn(ctx, "tcp", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}

	if d.tlsConfig != nil {
		tc := tls.Client(nc, d.tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		nc = tc
	}

	session, err := yamux.Client(nc, yamuxConfig())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("yamux.Client: %w", err)
	}

	return newConn(session), nil
}

// Listener accepts inbound TCP connections and wraps each in a yamux server
// session.
type Listener struct {
	tl        net.Listener
	tlsConfig *tls.Config // nil disables TLS
}

// Listen binds addr. tlsConfig may be nil for an unencrypted carrier.
func Listen(addr string, tlsConfig *tls.Config, deps *config.Dependencies) (*Listener, error) {
	laddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(%s): %w", addr, err)
	}

	listenFn := config.GetTCPListenerFunc(deps)
	tl, err := listenFn("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	return &Listener{tl: tl, tlsConfig: tlsConfig}, nil
}

// Accept implements tunnel.Listener.
func (l *Listener) Accept(ctx context.Context) (tunnel.Connection, error) {
	type result struct {
		nc  net.Conn
		err error
	}
	ch := make(chan result, 1)
	go func() {
		nc, err := l.tl.Accept()
		ch <- result{nc, err}
	}()

	var nc net.Conn
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		nc = r.nc
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if l.tlsConfig != nil {
		tc := tls.Server(nc, l.tlsConfig)
		hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := tc.HandshakeContext(hctx); err != nil {
			nc.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		nc = tc
	}

	session, err := yamux.Server(nc, yamuxConfig())
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("yamux.Server: %w", err)
	}

	return newConn(session), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.tl.Addr()
}

// Close implements tunnel.Listener.
func (l *Listener) Close() error {
	return l.tl.Close()
}
