package forward

import (
	"context"
	"io"
	"net"

	"tunnelmesh/pkg/tunnel"
)

// pipeRecv adapts an io.PipeReader to tunnel.RecvStream for header tests.
type pipeRecv struct {
	r *io.PipeReader
}

func (p *pipeRecv) ReadExact(ctx context.Context, b []byte) error {
	_, err := io.ReadFull(p.r, b)
	return err
}

func (p *pipeRecv) Read(b []byte) (int, error) { return p.r.Read(b) }

// fakeStream is a minimal in-memory tunnel.Stream backed by io.Pipe pairs,
// the same shape as pkg/control's pipeStream test fake.
type fakeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newFakeStreamPair() (*fakeStream, *fakeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &fakeStream{r: r1, w: w2}, &fakeStream{r: r2, w: w1}
}

func (s *fakeStream) WriteAll(ctx context.Context, b []byte) error {
	_, err := s.w.Write(b)
	return err
}
func (s *fakeStream) Flush() error  { return nil }
func (s *fakeStream) Finish() error { return s.w.Close() }
func (s *fakeStream) ReadExact(ctx context.Context, b []byte) error {
	_, err := io.ReadFull(s.r, b)
	return err
}
func (s *fakeStream) Read(b []byte) (int, error) { return s.r.Read(b) }
func (s *fakeStream) Close() error {
	s.w.Close()
	s.r.Close()
	return nil
}

// fakeConn is a minimal tunnel.Connection whose OpenBi/AcceptBi are wired
// directly to each other through a channel, enough to exercise the
// forwarding engine's header + relay logic without a real transport.
type fakeConn struct {
	openCh chan *fakeStream
}

func newFakeConnPair() (*fakeConn, *fakeConn) {
	ch := make(chan *fakeStream, 8)
	return &fakeConn{openCh: ch}, &fakeConn{openCh: ch}
}

func (c *fakeConn) OpenBi(ctx context.Context) (tunnel.Stream, error) {
	a, b := newFakeStreamPair()
	c.openCh <- b
	return a, nil
}

func (c *fakeConn) AcceptBi(ctx context.Context) (tunnel.Stream, error) {
	select {
	case s := <-c.openCh:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) OpenUni(ctx context.Context) (tunnel.SendStream, error) { return nil, io.EOF }
func (c *fakeConn) AcceptUni(ctx context.Context) (tunnel.RecvStream, error) {
	return nil, io.EOF
}
func (c *fakeConn) RemoteAddress() net.Addr { return nil }
func (c *fakeConn) CloseReason() error      { return nil }
func (c *fakeConn) Close() error            { return nil }
