// Package quicconn implements tunnel.Connector/tunnel.Listener over QUIC
// (TLS 1.3), the fabric's default transport.
package quicconn

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"

	"tunnelmesh/pkg/crypto"
	"tunnelmesh/pkg/tunnel"
)

// nextProto is the ALPN value both ends must negotiate.
const nextProto = "tunnelmesh-quic"

// minIdleTimeout is the floor for MaxIdleTimeout regardless of the
// configured timeout; keep-alive runs at a third of the idle timeout.
const minIdleTimeout = 60 * time.Second

// Dialer connects to a remote QUIC listener.
type Dialer struct {
	addr       string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
}

// NewDialer builds a Dialer. If caCert is nil, the server certificate is not
// verified against a CA (trust is established out of band via the node
// token); if non-nil, it pins the supplied CA pool.
func NewDialer(addr string, caCert *x509.CertPool, idleTimeout time.Duration) *Dialer {
	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{nextProto},
		InsecureSkipVerify: caCert == nil,
		RootCAs:            caCert,
	}

	if idleTimeout < minIdleTimeout {
		idleTimeout = minIdleTimeout
	}

	return &Dialer{
		addr:      addr,
		tlsConfig: tlsConfig,
		quicConfig: &quic.Config{
			MaxIdleTimeout:     idleTimeout,
			KeepAlivePeriod:    idleTimeout / 3,
			MaxIncomingStreams: 100,
		},
	}
}

// Connect implements tunnel.Connector.
func (d *Dialer) Connect(ctx context.Context) (tunnel.Connection, error) {
	qc, err := quic.DialAddr(ctx, d.addr, d.tlsConfig, d.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic.DialAddr(%s): %w", d.addr, err)
	}

	return newConn(qc), nil
}

// Listener accepts inbound QUIC connections.
type Listener struct {
	ql *quic.Listener
}

// Listen creates a Listener bound to addr with an ephemeral self-signed cert
// generated from pkg/crypto.
func Listen(addr string, idleTimeout time.Duration) (*Listener, error) {
	key := rand.Text()
	_, cert, err := crypto.GenerateCertificates(key)
	if err != nil {
		return nil, fmt.Errorf("crypto.GenerateCertificates: %w", err)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{nextProto},
	}

	if idleTimeout < minIdleTimeout {
		idleTimeout = minIdleTimeout
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:     idleTimeout,
		KeepAlivePeriod:    idleTimeout / 3,
		MaxIncomingStreams: 100,
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(%s): %w", addr, err)
	}

	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("net.ListenUDP(%s): %w", addr, err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ql, err := tr.Listen(tlsConfig, quicConfig)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("quic listen: %w", err)
	}

	return &Listener{ql: ql}, nil
}

// Accept implements tunnel.Listener.
func (l *Listener) Accept(ctx context.Context) (tunnel.Connection, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newConn(qc), nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.ql.Addr()
}

// Close implements tunnel.Listener.
func (l *Listener) Close() error {
	return l.ql.Close()
}
