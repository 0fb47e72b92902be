package control

import (
	"context"
	"io"
)

// pipeStream is a minimal in-memory tunnel.Stream fake backed by io.Pipe,
// sufficient for exercising the Channel's wire codec and state machine
// without a real transport.
type pipeStream struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipePair() (*pipeStream, *pipeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipeStream{r: r1, w: w2}, &pipeStream{r: r2, w: w1}
}

func (p *pipeStream) WriteAll(ctx context.Context, b []byte) error {
	_, err := p.w.Write(b)
	return err
}

func (p *pipeStream) Flush() error { return nil }

func (p *pipeStream) Finish() error { return p.w.Close() }

func (p *pipeStream) ReadExact(ctx context.Context, b []byte) error {
	_, err := io.ReadFull(p.r, b)
	return err
}

func (p *pipeStream) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

func (p *pipeStream) Close() error {
	p.w.Close()
	p.r.Close()
	return nil
}
