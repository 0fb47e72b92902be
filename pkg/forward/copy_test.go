package forward

import (
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// tcpPipe returns a connected pair of real TCP connections (loopback), so
// CloseWrite half-close semantics can be exercised the way a real public or
// local dial would behave.
func tcpPipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	acceptCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		acceptCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	server := <-acceptCh
	require.NotNil(t, server)

	return client, server
}

func TestRelayCopiesBothDirections(t *testing.T) {
	local, peer := tcpPipe(t)
	defer peer.Close()

	streamA, streamB := newFakeStreamPair()

	done := make(chan struct{})
	var gotSent, gotReceived atomic.Int64
	go func() {
		Relay(t.Context(), local, streamA, nil, func(sent, received int64) {
			gotSent.Add(sent)
			gotReceived.Add(received)
		}, func(error) {})
		close(done)
	}()

	// local -> stream direction.
	peer.Write([]byte("hello-from-local"))

	buf := make([]byte, 32)
	n, err := io.ReadFull(streamB, buf[:len("hello-from-local")])
	require.NoError(t, err)
	require.Equal(t, "hello-from-local", string(buf[:n]))

	// stream -> local direction.
	streamB.WriteAll(t.Context(), []byte("hello-from-stream"))
	n, err = peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello-from-stream", string(buf[:n]))

	peer.Close()
	streamB.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Relay did not return after both sides closed")
	}

	require.Equal(t, int64(len("hello-from-local")), gotSent.Load())
	require.Equal(t, int64(len("hello-from-stream")), gotReceived.Load())
}

func TestRelayAccountsWhileConnectionStaysOpen(t *testing.T) {
	local, peer := tcpPipe(t)
	defer peer.Close()

	streamA, streamB := newFakeStreamPair()
	defer streamB.Close()

	var gotSent, gotReceived atomic.Int64
	go Relay(t.Context(), local, streamA, nil, func(sent, received int64) {
		gotSent.Add(sent)
		gotReceived.Add(received)
	}, func(error) {})

	// Push one buffer in each direction and leave everything open: the
	// accounting callback must fire per relayed buffer, not at teardown,
	// or long-lived connections never reach the periodic traffic flush.
	peer.Write([]byte("early-bytes"))
	buf := make([]byte, 16)
	_, err := io.ReadFull(streamB, buf[:len("early-bytes")])
	require.NoError(t, err)

	streamB.WriteAll(t.Context(), []byte("reply"))
	_, err = io.ReadFull(peer, buf[:len("reply")])
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return gotSent.Load() == int64(len("early-bytes")) &&
			gotReceived.Load() == int64(len("reply"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelayHalfClosesOnLocalEOF(t *testing.T) {
	local, peer := tcpPipe(t)
	streamA, streamB := newFakeStreamPair()

	go Relay(t.Context(), local, streamA, nil, nil, func(error) {})

	// Half-close the local side's write; Relay should Finish() the stream's
	// send half without tearing down the read direction.
	peer.(*net.TCPConn).CloseWrite()

	_, err := streamB.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)

	// The other direction still works independently.
	streamB.WriteAll(t.Context(), []byte("still-alive"))
	buf := make([]byte, 32)
	n, err := peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "still-alive", string(buf[:n]))

	peer.Close()
	streamB.Close()
}
