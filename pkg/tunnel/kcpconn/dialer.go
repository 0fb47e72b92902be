package kcpconn

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/tunnel"
)

// Dialer establishes a KCP session to a remote kcpconn Listener.
type Dialer struct {
	remoteAddr   *net.UDPAddr
	packetConnFn config.PacketListenerFunc
	params       config.KCPParams
}

// NewDialer builds a Dialer for addr. deps is optional; params is nil for
// the default tuning. The tuning is never exchanged in-band, so it must
// match what the Listener was configured with.
func NewDialer(addr string, deps *config.Dependencies, params *config.KCPParams) (*Dialer, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	return &Dialer{
		remoteAddr:   udpAddr,
		packetConnFn: dialPacketListenerFunc(deps),
		params:       resolveParams(params),
	}, nil
}

// Connect implements tunnel.Connector.
func (d *Dialer) Connect(ctx context.Context) (tunnel.Connection, error) {
	pc, err := d.packetConnFn("udp", ":0")
	if err != nil {
		return nil, fmt.Errorf("net.ListenPacket(udp, :0): %w", err)
	}

	sess, err := kcp.NewConn(d.remoteAddr.String(), nil, 0, 0, pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcp.NewConn(%s): %w", d.remoteAddr.String(), err)
	}

	return newConn(sess, true, d.params), nil
}
