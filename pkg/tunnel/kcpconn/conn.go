// Package kcpconn implements tunnel.Connector/tunnel.Listener over KCP, a
// reliable protocol layered on UDP, plus a custom stream-multiplexing frame
// protocol on top of the single ordered byte stream kcp-go gives us per
// session. kcp-go owns the UDP-4-tuple + conv-ID demultiplexing; this
// package owns everything above the byte pipe: framing, stream IDs,
// half-close and connection teardown.
package kcpconn

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"

	kcp "github.com/xtaci/kcp-go/v5"

	"tunnelmesh/pkg/config"
	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/tunnel"
)

// mtu is set to fit a common IPv4 path MTU (1500) minus UDP/KCP overhead.
const mtu = 1400

// conn is one KCP session multiplexed into tunnel streams.
type conn struct {
	nc net.Conn // *kcp.UDPSession

	writeMu sync.Mutex

	mu          sync.Mutex
	streams     map[uint32]*stream
	nextID      uint32
	acceptBiCh  chan *stream
	acceptUniCh chan *stream
	closed      bool
	closeErr    error
	closeCh     chan struct{}
}

// resolveParams returns the default KCP tuning when params is nil.
func resolveParams(params *config.KCPParams) config.KCPParams {
	if params == nil {
		return config.DefaultKCPParams()
	}
	return *params
}

func newConn(nc net.Conn, initiator bool, params config.KCPParams) *conn {
	c := &conn{
		nc:          nc,
		streams:     make(map[uint32]*stream),
		acceptBiCh:  make(chan *stream, 16),
		acceptUniCh: make(chan *stream, 16),
		closeCh:     make(chan struct{}),
	}
	if initiator {
		c.nextID = 1
	} else {
		c.nextID = 2
	}

	if sess, ok := nc.(*kcp.UDPSession); ok {
		nodelay, nc_ := 0, 0
		if params.NoDelay {
			nodelay = 1
		}
		if params.NC {
			nc_ = 1
		}
		sess.SetNoDelay(nodelay, int(params.Interval), int(params.Resend), nc_)
		sess.SetStreamMode(true)
		sess.SetWindowSize(1024, 1024)
		sess.SetMtu(mtu)
	}

	go c.readLoop()

	return c
}

func (c *conn) allocID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID += 2
	return id
}

func (c *conn) writeFrame(id uint32, flags byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	h := encodeHeader(id, flags, len(payload))
	if _, err := c.nc.Write(h); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.nc.Write(payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

func (c *conn) readLoop() {
	hdr := make([]byte, frameHeaderLen)
	for {
		if _, err := io.ReadFull(c.nc, hdr); err != nil {
			c.fail(fmt.Errorf("%w: %s", errs.Transport, err))
			return
		}
		id, flags, length := decodeHeader(hdr)

		var payload []byte
		for length > 0 {
			chunk := length
			if chunk > maxFrameLen {
				chunk = maxFrameLen
			}
			buf := make([]byte, chunk)
			if _, err := io.ReadFull(c.nc, buf); err != nil {
				c.fail(fmt.Errorf("%w: %s", errs.Transport, err))
				return
			}
			payload = append(payload, buf...)
			length -= chunk
		}

		if id == connStreamID {
			c.fail(errs.StreamClosed)
			return
		}

		c.dispatch(id, flags, payload)
	}
}

func (c *conn) dispatch(id uint32, flags byte, payload []byte) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if !ok {
		if flags&flagSYN == 0 {
			// DATA/FIN for an unknown stream: peer already forgot it. Drop.
			c.mu.Unlock()
			return
		}
		s = newStream(c, id, flags&flagUni != 0)
		c.streams[id] = s
		c.mu.Unlock()

		if flags&flagUni != 0 {
			select {
			case c.acceptUniCh <- s:
			case <-c.closeCh:
			}
		} else {
			select {
			case c.acceptBiCh <- s:
			case <-c.closeCh:
			}
		}
	} else {
		c.mu.Unlock()
	}

	if flags&flagData != 0 && len(payload) > 0 {
		s.recvBuf.push(payload)
	}
	if flags&flagFIN != 0 {
		s.recvBuf.close()
	}
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	streams := make([]*stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	close(c.closeCh)
	for _, s := range streams {
		s.recvBuf.close()
	}
	c.nc.Close()
}

func (c *conn) removeStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
}

func (c *conn) OpenBi(ctx context.Context) (tunnel.Stream, error) {
	id := c.allocID()
	s := newStream(c, id, false)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeFrame(id, flagSYN, nil); err != nil {
		return nil, fmt.Errorf("open bi stream: %w", err)
	}
	return s, nil
}

func (c *conn) AcceptBi(ctx context.Context) (tunnel.Stream, error) {
	select {
	case s := <-c.acceptBiCh:
		return s, nil
	case <-c.closeCh:
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) OpenUni(ctx context.Context) (tunnel.SendStream, error) {
	id := c.allocID()
	s := newStream(c, id, true)
	c.mu.Lock()
	c.streams[id] = s
	c.mu.Unlock()

	if err := c.writeFrame(id, flagSYN|flagUni, nil); err != nil {
		return nil, fmt.Errorf("open uni stream: %w", err)
	}
	return s, nil
}

func (c *conn) AcceptUni(ctx context.Context) (tunnel.RecvStream, error) {
	select {
	case s := <-c.acceptUniCh:
		return s, nil
	case <-c.closeCh:
		return nil, c.closeErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *conn) RemoteAddress() net.Addr {
	return c.nc.RemoteAddr()
}

func (c *conn) CloseReason() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

func (c *conn) Close() error {
	c.writeFrame(connStreamID, flagFIN, nil)
	c.fail(errs.StreamClosed)
	return nil
}

// dialPacketListenerFunc resolves the dependency-injected packet listener,
// falling back to net.ListenPacket exactly like config.GetPacketListenerFunc.
func dialPacketListenerFunc(deps *config.Dependencies) config.PacketListenerFunc {
	return config.GetPacketListenerFunc(deps)
}
