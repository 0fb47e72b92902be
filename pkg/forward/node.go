package forward

import (
	"context"
	"fmt"
	"net"
	"sync"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/log"
	"tunnelmesh/pkg/ratelimit"
	"tunnelmesh/pkg/tunnel"
)

// ConnResolver resolves the live tunnel connection owning a client_id, as
// maintained by the Node's accepted-client table.
type ConnResolver interface {
	Resolve(clientID string) (tunnel.Connection, bool)
}

// Recorder receives byte counts for traffic accounting as they are relayed:
// once per buffer copied by a TCP forward and once per UDP datagram, not
// once per completed forward. The node wires it to
// pkg/traffic.Aggregator.Record.
type Recorder func(proxyID int64, clientID string, userID *int64, sent, received int64)

// NodeSide serves a node's public-facing proxies, routing each accepted
// connection over the owning client's tunnel.
type NodeSide struct {
	resolver ConnResolver
	limiter  *ratelimit.Limiter
	record   Recorder
	logger   *log.Logger
}

// NewNodeSide builds a NodeSide. limiter may be nil to disable bandwidth
// limiting entirely.
func NewNodeSide(resolver ConnResolver, limiter *ratelimit.Limiter, record Recorder, logger *log.Logger) *NodeSide {
	return &NodeSide{resolver: resolver, limiter: limiter, record: record, logger: logger}
}

// ServeTCP accepts public connections on ln and forwards each to proxy's
// owning client until ctx is canceled or the listener fails.
func (n *NodeSide) ServeTCP(ctx context.Context, ln net.Listener, proxy config.ProxyConfig) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: accept on proxy %d: %s", errs.Transport, proxy.ProxyID, err)
		}
		go n.handleTCP(ctx, conn, proxy)
	}
}

func (n *NodeSide) handleTCP(ctx context.Context, conn net.Conn, proxy config.ProxyConfig) {
	tconn, ok := n.resolver.Resolve(proxy.ClientID)
	if !ok {
		n.logger.VerboseMsg("proxy %d: client %s not connected, dropping", proxy.ProxyID, proxy.ClientID)
		conn.Close()
		return
	}

	stream, err := tconn.OpenBi(ctx)
	if err != nil {
		n.logger.VerboseMsg("proxy %d: open_bi to client %s failed: %s", proxy.ProxyID, proxy.ClientID, err)
		conn.Close()
		return
	}

	header := EncodeHeader(Header{ProxyID: proxy.ProxyID, ProxyType: proxy.ProxyType})
	if err := stream.WriteAll(ctx, header); err != nil {
		n.logger.VerboseMsg("proxy %d: write header failed: %s", proxy.ProxyID, err)
		stream.Close()
		conn.Close()
		return
	}

	account := func(sent, received int64) {
		if n.record != nil {
			n.record(proxy.ProxyID, proxy.ClientID, nil, sent, received)
		}
	}
	Relay(ctx, conn, stream, n.limiter, account, func(err error) {
		n.logger.VerboseMsg("proxy %d: %s", proxy.ProxyID, err)
	})
}

// ServeUDP relays length-prefixed datagrams between pc and proxy's owning
// client, demultiplexing by source address into one tunnel stream per
// remote peer. A session ends when its stream closes, which the client
// side drives by timing out idle local sockets.
func (n *NodeSide) ServeUDP(ctx context.Context, pc net.PacketConn, proxy config.ProxyConfig) error {
	sessions := newUDPSessionTable()
	defer sessions.closeAll()

	go func() {
		<-ctx.Done()
		pc.Close()
	}()

	buf := make([]byte, maxUDPDatagram+1)
	for {
		nr, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: read udp on proxy %d: %s", errs.Transport, proxy.ProxyID, err)
		}
		if nr > maxUDPDatagram {
			n.logger.VerboseMsg("proxy %d: dropping oversized udp datagram (%d bytes) from %s", proxy.ProxyID, nr, addr)
			continue
		}

		payload := make([]byte, nr)
		copy(payload, buf[:nr])

		sess, isNew := sessions.getOrCreate(addr.String(), func() (*udpSession, error) {
			return n.newUDPSession(ctx, pc, addr, proxy, sessions)
		})
		if sess == nil {
			continue
		}
		if isNew {
			go sess.readLoop()
		}

		if n.limiter != nil {
			if err := n.limiter.Consume(ctx, int64(len(payload))); err != nil {
				return nil
			}
		}
		if err := writeUDPFrame(ctx, sess.stream, payload); err != nil {
			n.logger.VerboseMsg("proxy %d: udp frame to %s failed: %s", proxy.ProxyID, addr, err)
			sessions.remove(addr.String())
			continue
		}
		if n.record != nil {
			n.record(proxy.ProxyID, proxy.ClientID, nil, int64(len(payload)), 0)
		}
	}
}

func (n *NodeSide) newUDPSession(ctx context.Context, pc net.PacketConn, addr net.Addr, proxy config.ProxyConfig, table *udpSessionTable) (*udpSession, error) {
	tconn, ok := n.resolver.Resolve(proxy.ClientID)
	if !ok {
		return nil, fmt.Errorf("client %s not connected", proxy.ClientID)
	}

	stream, err := tconn.OpenBi(ctx)
	if err != nil {
		return nil, fmt.Errorf("open_bi: %w", err)
	}

	header := EncodeHeader(Header{ProxyID: proxy.ProxyID, ProxyType: proxy.ProxyType})
	if err := stream.WriteAll(ctx, header); err != nil {
		stream.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	record := func(received int64) {
		if n.record != nil {
			n.record(proxy.ProxyID, proxy.ClientID, nil, 0, received)
		}
	}

	return &udpSession{
		ctx:     ctx,
		stream:  stream,
		pc:      pc,
		addr:    addr,
		table:   table,
		key:     addr.String(),
		limiter: n.limiter,
		record:  record,
		logger:  n.logger,
	}, nil
}

// udpSession pairs one remote UDP peer address with the tunnel stream
// carrying its datagrams.
type udpSession struct {
	ctx     context.Context
	stream  tunnel.Stream
	pc      net.PacketConn
	addr    net.Addr
	table   *udpSessionTable
	key     string
	limiter *ratelimit.Limiter
	record  func(received int64)
	logger  *log.Logger
}

func (s *udpSession) readLoop() {
	defer s.table.remove(s.key)
	defer s.stream.Close()

	for {
		payload, err := readUDPFrame(s.ctx, s.stream)
		if err != nil {
			return
		}
		if len(payload) == 0 {
			continue
		}
		if s.limiter != nil {
			if err := s.limiter.Consume(s.ctx, int64(len(payload))); err != nil {
				return
			}
		}
		if _, err := s.pc.WriteTo(payload, s.addr); err != nil {
			s.logger.VerboseMsg("udp write to %s failed: %s", s.addr, err)
			return
		}
		s.record(int64(len(payload)))
	}
}

// udpSessionTable tracks live per-remote-address UDP sessions.
type udpSessionTable struct {
	mu       sync.Mutex
	sessions map[string]*udpSession
}

func newUDPSessionTable() *udpSessionTable {
	return &udpSessionTable{sessions: make(map[string]*udpSession)}
}

func (t *udpSessionTable) getOrCreate(key string, create func() (*udpSession, error)) (*udpSession, bool) {
	t.mu.Lock()
	if s, ok := t.sessions[key]; ok {
		t.mu.Unlock()
		return s, false
	}
	t.mu.Unlock()

	s, err := create()
	if err != nil {
		return nil, false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.sessions[key]; ok {
		s.stream.Close()
		return existing, false
	}
	t.sessions[key] = s
	return s, true
}

func (t *udpSessionTable) remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, key)
}

func (t *udpSessionTable) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, s := range t.sessions {
		s.stream.Close()
		delete(t.sessions, k)
	}
}
