package tcpmux

import (
	"context"
	"net"
	"sync"

	"github.com/hashicorp/yamux"

	"tunnelmesh/pkg/tunnel"
)

// conn adapts a *yamux.Session to tunnel.Connection. yamux streams are
// always bidirectional; OpenUni/AcceptUni are modeled as bidi streams whose
// unused half the caller simply never touches, since yamux has no native
// unidirectional stream type.
type conn struct {
	session *yamux.Session

	closeOnce sync.Once
	closeErr  error
}

func newConn(session *yamux.Session) *conn {
	return &conn{session: session}
}

func (c *conn) OpenBi(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) AcceptBi(ctx context.Context) (tunnel.Stream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		c.closeErr = err
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) OpenUni(ctx context.Context) (tunnel.SendStream, error) {
	s, err := c.session.OpenStream()
	if err != nil {
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) AcceptUni(ctx context.Context) (tunnel.RecvStream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		c.closeErr = err
		return nil, err
	}
	return &stream{s: s}, nil
}

func (c *conn) RemoteAddress() net.Addr {
	return c.session.RemoteAddr()
}

func (c *conn) CloseReason() error {
	return c.closeErr
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.session.Close()
	})
	return c.closeErr
}

// stream adapts a *yamux.Stream to tunnel.Stream.
type stream struct {
	s *yamux.Stream
}

func (s *stream) WriteAll(ctx context.Context, p []byte) error {
	return tunnel.WriteAllCtx(ctx, s.s, func() { s.s.Close() }, p)
}

func (s *stream) Flush() error {
	return nil
}

func (s *stream) Finish() error {
	return s.s.Close()
}

func (s *stream) ReadExact(ctx context.Context, p []byte) error {
	return tunnel.ReadExactCtx(ctx, s.s, func() { s.s.Close() }, p)
}

func (s *stream) Read(p []byte) (int, error) {
	return s.s.Read(p)
}

func (s *stream) Close() error {
	return s.s.Close()
}
