package quicconn

import (
	"context"
	"net"
	"sync"

	quic "github.com/quic-go/quic-go"

	"tunnelmesh/pkg/tunnel"
)

// conn adapts *quic.Conn to tunnel.Connection.
type conn struct {
	qc        *quic.Conn
	closeOnce sync.Once
	closeErr  error
}

func newConn(qc *quic.Conn) *conn {
	return &conn{qc: qc}
}

func (c *conn) OpenBi(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.qc.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) AcceptBi(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.qc.AcceptStream(ctx)
	if err != nil {
		c.closeErr = err
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) OpenUni(ctx context.Context) (tunnel.SendStream, error) {
	s, err := c.qc.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &sendStream{s: s}, nil
}

func (c *conn) AcceptUni(ctx context.Context) (tunnel.RecvStream, error) {
	s, err := c.qc.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &recvStream{s: s}, nil
}

func (c *conn) RemoteAddress() net.Addr {
	return c.qc.RemoteAddr()
}

func (c *conn) CloseReason() error {
	return c.closeErr
}

func (c *conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.qc.CloseWithError(0, "closed")
	})
	return err
}

// stream adapts a bidirectional *quic.Stream to tunnel.Stream.
type stream struct {
	s *quic.Stream
}

func (s *stream) WriteAll(ctx context.Context, p []byte) error {
	return tunnel.WriteAllCtx(ctx, s.s, func() { s.s.CancelWrite(0) }, p)
}

func (s *stream) Flush() error {
	return nil
}

func (s *stream) Finish() error {
	return s.s.Close()
}

func (s *stream) ReadExact(ctx context.Context, p []byte) error {
	return tunnel.ReadExactCtx(ctx, s.s, func() { s.s.CancelRead(0) }, p)
}

func (s *stream) Read(p []byte) (int, error) {
	return s.s.Read(p)
}

func (s *stream) Close() error {
	s.s.CancelRead(0)
	return s.s.Close()
}

// sendStream adapts a *quic.SendStream to tunnel.SendStream.
type sendStream struct {
	s *quic.SendStream
}

func (s *sendStream) WriteAll(ctx context.Context, p []byte) error {
	return tunnel.WriteAllCtx(ctx, s.s, func() { s.s.CancelWrite(0) }, p)
}

func (s *sendStream) Flush() error {
	return nil
}

func (s *sendStream) Finish() error {
	return s.s.Close()
}

// recvStream adapts a *quic.ReceiveStream to tunnel.RecvStream.
type recvStream struct {
	s *quic.ReceiveStream
}

func (s *recvStream) ReadExact(ctx context.Context, p []byte) error {
	return tunnel.ReadExactCtx(ctx, s.s, func() { s.s.CancelRead(0) }, p)
}

func (s *recvStream) Read(p []byte) (int, error) {
	return s.s.Read(p)
}
