package tcpmux

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 1460, 65536}

	ln, err := Listen("127.0.0.1:0", nil, nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	for _, n := range sizes {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)

		serverDone := make(chan error, 1)
		go func() {
			sconn, err := ln.Accept(ctx)
			if err != nil {
				serverDone <- err
				return
			}
			stream, err := sconn.AcceptBi(ctx)
			if err != nil {
				serverDone <- err
				return
			}
			buf := make([]byte, n)
			if n > 0 {
				if err := stream.ReadExact(ctx, buf); err != nil {
					serverDone <- err
					return
				}
			}
			serverDone <- stream.WriteAll(ctx, buf)
		}()

		dialer, err := NewDialer(addr, nil, nil)
		require.NoError(t, err)

		cconn, err := dialer.Connect(ctx)
		require.NoError(t, err)

		cstream, err := cconn.OpenBi(ctx)
		require.NoError(t, err)

		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i)
		}

		require.NoError(t, cstream.WriteAll(ctx, payload))

		echoed := make([]byte, n)
		if n > 0 {
			require.NoError(t, cstream.ReadExact(ctx, echoed))
		}
		require.Equal(t, payload, echoed)
		require.NoError(t, <-serverDone)

		cconn.Close()
		cancel()
	}
}
