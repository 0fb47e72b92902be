package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"

	"tunnelmesh/pkg/errs"
	"tunnelmesh/pkg/ratelimit"
	"tunnelmesh/pkg/tunnel"
)

// copyBufferSize is the read buffer size for both copy-loop directions.
const copyBufferSize = 32 * 1024

// halfCloseWriter is implemented by net.Conn types (notably *net.TCPConn)
// that support shutting down the write half without closing the read half.
type halfCloseWriter interface {
	CloseWrite() error
}

// Accounting receives byte counts from the copy loops so the caller can
// feed pkg/traffic. It is invoked once per relayed buffer, from both
// directions' goroutines concurrently, so long-lived connections show up
// in periodic traffic flushes instead of only at close. Either argument
// may be 0; implementations must be safe for concurrent use.
type Accounting func(sent, received int64)

// Relay byte-copies between a public/local net.Conn and a tunnel stream in
// both directions: each direction reads into a 32 KiB buffer, consumes
// limiter tokens for the exact byte count before writing out, accounts the
// bytes after each successful write, and half-closes its own outbound side
// on a clean EOF independently of the other direction. The call blocks
// until both directions have finished, at which point both sides are fully
// closed. Canceling ctx closes both handles, unblocking any read in
// flight.
func Relay(ctx context.Context, local net.Conn, stream tunnel.Stream, limiter *ratelimit.Limiter, account Accounting, onErr func(error)) {
	var wg sync.WaitGroup
	wg.Add(2)

	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
			local.Close()
		case <-stopWatch:
		}
	}()

	go func() {
		defer wg.Done()
		if err := copyToStream(ctx, stream, local, limiter, account); err != nil && !isBenign(err) {
			onErr(err)
		}
	}()

	go func() {
		defer wg.Done()
		if err := copyToLocal(ctx, local, stream, limiter, account); err != nil && !isBenign(err) {
			onErr(err)
		}
	}()

	wg.Wait()
	close(stopWatch)

	stream.Close()
	local.Close()
}

// copyToStream reads from local and writes to stream, finishing (half
// closing) the stream's send side once local hits a clean EOF.
func copyToStream(ctx context.Context, stream tunnel.SendStream, local net.Conn, limiter *ratelimit.Limiter, account Accounting) error {
	buf := make([]byte, copyBufferSize)

	for {
		n, rerr := local.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.Consume(ctx, int64(n)); err != nil {
					return err
				}
			}
			if err := stream.WriteAll(ctx, buf[:n]); err != nil {
				return err
			}
			if account != nil {
				account(int64(n), 0)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return stream.Finish()
			}
			return rerr
		}
	}
}

// copyToLocal reads from stream and writes to local, half-closing local's
// write side once stream hits a clean EOF (peer FIN).
func copyToLocal(ctx context.Context, local net.Conn, stream tunnel.RecvStream, limiter *ratelimit.Limiter, account Accounting) error {
	buf := make([]byte, copyBufferSize)

	for {
		n, rerr := stream.Read(buf)
		if n > 0 {
			if limiter != nil {
				if err := limiter.Consume(ctx, int64(n)); err != nil {
					return err
				}
			}
			if _, err := local.Write(buf[:n]); err != nil {
				return err
			}
			if account != nil {
				account(0, int64(n))
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				if hc, ok := local.(halfCloseWriter); ok {
					return hc.CloseWrite()
				}
				return nil
			}
			return rerr
		}
	}
}

// isBenign reports whether err is an expected close-related error that
// shouldn't propagate as a logged failure.
func isBenign(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, errs.StreamReset) ||
		errors.Is(err, errs.StreamClosed) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET)
}
