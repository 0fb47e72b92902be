package kcpconn

import (
	"context"
	"fmt"
	"net"

	kcp "github.com/xtaci/kcp-go/v5"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/tunnel"
)

// Listener accepts inbound KCP sessions, one per conv ID, delegating the
// UDP-4-tuple+conv demux to kcp-go.
type Listener struct {
	kl     *kcp.Listener
	pc     net.PacketConn
	params config.KCPParams
}

// Listen binds addr and starts accepting KCP sessions. params is nil for
// the default tuning; both peers must be configured identically since the
// parameters are never exchanged in-band.
func Listen(addr string, params *config.KCPParams) (*Listener, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	pc, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("net.ListenUDP(%s): %w", addr, err)
	}

	kl, err := kcp.ServeConn(nil, 0, 0, pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("kcp.ServeConn(%s): %w", addr, err)
	}

	return &Listener{kl: kl, pc: pc, params: resolveParams(params)}, nil
}

// Accept implements tunnel.Listener.
func (l *Listener) Accept(ctx context.Context) (tunnel.Connection, error) {
	type result struct {
		sess *kcp.UDPSession
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := l.kl.AcceptKCP()
		ch <- result{sess, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return newConn(r.sess, false, l.params), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.kl.Addr()
}

// Close implements tunnel.Listener.
func (l *Listener) Close() error {
	return l.kl.Close()
}
