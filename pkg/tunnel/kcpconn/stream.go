package kcpconn

import (
	"context"
	"io"
	"sync"
)

// stream is one multiplexed stream inside a kcpconn connection.
type stream struct {
	c   *conn
	id  uint32
	uni bool

	recvBuf *ringBuffer

	finishOnce sync.Once
	closeOnce  sync.Once
}

func newStream(c *conn, id uint32, uni bool) *stream {
	return &stream{
		c:       c,
		id:      id,
		uni:     uni,
		recvBuf: newRingBuffer(),
	}
}

func (s *stream) WriteAll(ctx context.Context, p []byte) error {
	done := make(chan error, 1)
	go func() {
		for len(p) > 0 {
			n := len(p)
			if n > maxFrameLen {
				n = maxFrameLen
			}
			if err := s.c.writeFrame(s.id, flagData, p[:n]); err != nil {
				done <- err
				return
			}
			p = p[n:]
		}
		done <- nil
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) Flush() error {
	return nil
}

func (s *stream) Finish() error {
	var err error
	s.finishOnce.Do(func() {
		err = s.c.writeFrame(s.id, flagFIN, nil)
	})
	return err
}

func (s *stream) ReadExact(ctx context.Context, p []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(s, p)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *stream) Read(p []byte) (int, error) {
	n, ok := s.recvBuf.read(p)
	if !ok {
		if s.c.CloseReason() != nil {
			return 0, s.c.CloseReason()
		}
		return 0, io.EOF
	}
	return n, nil
}

func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		s.Finish()
		s.recvBuf.close()
		s.c.removeStream(s.id)
	})
	return nil
}
