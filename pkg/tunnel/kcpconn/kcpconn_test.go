package kcpconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tunnelmesh/pkg/config"
)

func TestRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 1460, 65536}

	ln, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	for _, n := range sizes {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

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

func TestCustomParamsRoundTrip(t *testing.T) {
	params := &config.KCPParams{NoDelay: true, Interval: 20, Resend: 1, NC: true}

	ln, err := Listen("127.0.0.1:0", params)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

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
		buf := make([]byte, 4)
		if err := stream.ReadExact(ctx, buf); err != nil {
			serverDone <- err
			return
		}
		serverDone <- stream.WriteAll(ctx, buf)
	}()

	dialer, err := NewDialer(addr, nil, params)
	require.NoError(t, err)

	cconn, err := dialer.Connect(ctx)
	require.NoError(t, err)
	defer cconn.Close()

	cstream, err := cconn.OpenBi(ctx)
	require.NoError(t, err)

	require.NoError(t, cstream.WriteAll(ctx, []byte("ping")))
	echoed := make([]byte, 4)
	require.NoError(t, cstream.ReadExact(ctx, echoed))
	require.Equal(t, []byte("ping"), echoed)
	require.NoError(t, <-serverDone)
}

func TestManyConcurrentStreams(t *testing.T) {
	const numStreams = 64

	ln, err := Listen("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer ln.Close()

	addr := ln.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	go func() {
		sconn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		for i := 0; i < numStreams; i++ {
			s, err := sconn.AcceptBi(ctx)
			if err != nil {
				return
			}
			go func(s interface {
				ReadExact(context.Context, []byte) error
				WriteAll(context.Context, []byte) error
			}) {
				buf := make([]byte, 16)
				if s.ReadExact(ctx, buf) == nil {
					s.WriteAll(ctx, buf)
				}
			}(s)
		}
	}()

	dialer, err := NewDialer(addr, nil, nil)
	require.NoError(t, err)
	cconn, err := dialer.Connect(ctx)
	require.NoError(t, err)
	defer cconn.Close()

	for i := 0; i < numStreams; i++ {
		s, err := cconn.OpenBi(ctx)
		require.NoError(t, err)

		payload := make([]byte, 16)
		for j := range payload {
			payload[j] = byte(i)
		}
		require.NoError(t, s.WriteAll(ctx, payload))

		echoed := make([]byte, 16)
		require.NoError(t, s.ReadExact(ctx, echoed))
		require.Equal(t, payload, echoed)

		s.Close()
	}
}
