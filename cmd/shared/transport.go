package shared

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/crypto"
	"tunnelmesh/pkg/tunnel"
	"tunnelmesh/pkg/tunnel/kcpconn"
	"tunnelmesh/pkg/tunnel/quicconn"
	"tunnelmesh/pkg/tunnel/tcpmux"
)

// IdleTimeout bounds QUIC's idle timeout; keep-alive runs at a third of it.
const IdleTimeout = 60 * time.Second

// LoadCACert reads a PEM file into a cert pool, or returns nil unmodified
// when path is empty, meaning any peer certificate is trusted and identity
// rests on the registration token instead.
func LoadCACert(path string) (*x509.CertPool, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca cert %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("ca cert %s: no certificates parsed", path)
	}
	return pool, nil
}

// NewListener builds the tunnel.Listener for protocol, binding addr. kcp is
// nil for the default tuning. ssl only applies to protocol tcp: quic always
// generates its own ephemeral server certificate via pkg/crypto, and kcp
// carries no transport-level crypto.
func NewListener(protocol config.Protocol, addr string, kcp *config.KCPParams, ssl bool, deps *config.Dependencies) (tunnel.Listener, error) {
	switch protocol {
	case config.ProtoQUIC:
		return quicconn.Listen(addr, IdleTimeout)
	case config.ProtoKCP:
		return kcpconn.Listen(addr, kcp)
	case config.ProtoTCP:
		var tlsConfig *tls.Config
		if ssl {
			_, cert, err := crypto.GenerateCertificates("")
			if err != nil {
				return nil, fmt.Errorf("generate tls certificate: %w", err)
			}
			tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS13}
		}
		return tcpmux.Listen(addr, tlsConfig, deps)
	default:
		return nil, fmt.Errorf("unsupported protocol %s", protocol)
	}
}

// NewConnector builds the tunnel.Connector for protocol, dialing addr. caCert
// pins the CA trusted for quic/tcp+tls; nil trusts any certificate.
func NewConnector(protocol config.Protocol, addr string, caCert *x509.CertPool, kcp *config.KCPParams, ssl bool, deps *config.Dependencies) (tunnel.Connector, error) {
	switch protocol {
	case config.ProtoQUIC:
		return quicconn.NewDialer(addr, caCert, IdleTimeout), nil
	case config.ProtoKCP:
		return kcpconn.NewDialer(addr, deps, kcp)
	case config.ProtoTCP:
		var tlsConfig *tls.Config
		if ssl {
			tlsConfig = &tls.Config{RootCAs: caCert, InsecureSkipVerify: caCert == nil}
		}
		return tcpmux.NewDialer(addr, tlsConfig, deps)
	default:
		return nil, fmt.Errorf("unsupported protocol %s", protocol)
	}
}

// ConnectorDialer adapts a tunnel.Connector into the Dial(ctx) method shape
// pkg/node.ControllerDialer expects.
type ConnectorDialer struct {
	Connector tunnel.Connector
}

// Dial implements node.ControllerDialer.
func (d ConnectorDialer) Dial(ctx context.Context) (tunnel.Connection, error) {
	return d.Connector.Connect(ctx)
}
