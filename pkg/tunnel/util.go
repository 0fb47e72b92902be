package tunnel

import (
	"context"
	"io"
)

// WriteAllCtx writes the full buffer to w, honoring ctx cancellation by
// invoking cancelWrite (e.g. a stream's CancelWrite) so the blocked Write
// call returns instead of leaking its goroutine forever.
func WriteAllCtx(ctx context.Context, w io.Writer, cancelWrite func(), p []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := w.Write(p)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancelWrite()
		<-done
		return ctx.Err()
	}
}

// ReadExactCtx reads exactly len(p) bytes from r, honoring ctx cancellation
// the same way WriteAllCtx does for writes.
func ReadExactCtx(ctx context.Context, r io.Reader, cancelRead func(), p []byte) error {
	done := make(chan error, 1)
	go func() {
		_, err := io.ReadFull(r, p)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		cancelRead()
		<-done
		return ctx.Err()
	}
}
